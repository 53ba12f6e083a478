/*
ledgerctl - operator CLI for the credit ledger

PURPOSE:
  Offline inspection of a ledger database. Reads the same store the server
  writes, so it can run beside a live server (SQLite WAL, PostgreSQL).

COMMANDS:
  audit               Check balance == sum of entries for every account
  balance <principal> Print one account
  history <principal> Print an account's entries, newest first
  plans               Print the price table
  seed <scenario>     Load a demo scenario (see seed.go)
  token <principal>   Issue a bearer token signed with JWT_SECRET (dev only)

EXAMPLES:
  ledgerctl audit --db ./data/credits.db
  ledgerctl history user-1 --limit 20 --output json
  DB_DRIVER=postgres DATABASE_URL=postgres://... ledgerctl audit
*/
package main

import (
	"fmt"
	"os"

	"github.com/warp/credit-ledger/config"
)

func main() {
	config.LoadEnv(nil)
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
