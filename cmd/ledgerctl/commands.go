package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/identity"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/pricing"
	"github.com/warp/credit-ledger/store"
)

var errAuditFailed = errors.New("audit found inconsistent accounts")

type rootOptions struct {
	driver      string
	dbPath      string
	databaseURL string
	pricesPath  string
	output      string
	verbose     bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect and audit the credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.driver, "db-driver", config.GetEnv("DB_DRIVER", "sqlite"), "store driver: sqlite|postgres")
	flags.StringVar(&opts.dbPath, "db", config.GetEnv("DB_PATH", "credits.db"), "SQLite database path")
	flags.StringVar(&opts.databaseURL, "database-url", config.GetEnv("DATABASE_URL", ""), "PostgreSQL DSN")
	flags.StringVar(&opts.pricesPath, "prices", config.GetEnv("PRICE_TABLE_PATH", ""), "price table JSON (default: built-in)")
	flags.StringVar(&opts.output, "output", "text", "output format: json|text")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		newAuditCmd(opts),
		newBalanceCmd(opts),
		newHistoryCmd(opts),
		newPlansCmd(opts),
		newSeedCmd(opts),
		newTokenCmd(),
	)
	return root
}

func (o *rootOptions) prices() (*pricing.Table, error) {
	if o.pricesPath == "" {
		return pricing.Default(), nil
	}
	return pricing.Load(o.pricesPath)
}

// service opens the store and builds a balance service over it. The caller
// closes the returned backend.
func (o *rootOptions) service(cmd *cobra.Command) (*ledger.Service, store.Backend, error) {
	prices, err := o.prices()
	if err != nil {
		return nil, nil, err
	}
	backend, err := store.Open(cmd.Context(), store.Config{
		Driver:      o.driver,
		Path:        o.dbPath,
		DatabaseURL: o.databaseURL,
	})
	if err != nil {
		return nil, nil, err
	}

	log := logging.Discard()
	if o.verbose {
		log = logging.NewWithOutput(logrus.InfoLevel, cmd.ErrOrStderr())
	}
	return ledger.NewService(backend, prices, log), backend, nil
}

func (o *rootOptions) json() bool {
	return o.output == "json"
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// COMMANDS
// =============================================================================

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify balance == sum of ledger entries for every account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, backend, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			checked, mismatches, err := svc.AuditAll(cmd.Context(), pageSize)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json() {
				if err := printJSON(out, map[string]any{"checked": checked, "mismatches": mismatches}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "checked %d accounts, %d inconsistent\n", checked, len(mismatches))
				for _, r := range mismatches {
					fmt.Fprintf(out, " ✗ %-36s balance=%d ledger=%d entries=%d\n", r.Principal, r.Balance, r.LedgerSum, r.Entries)
				}
			}
			if len(mismatches) > 0 {
				return errAuditFailed
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 500, "accounts per page")
	return cmd
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <principal>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, backend, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			acct, err := svc.Account(cmd.Context(), ledger.PrincipalID(args[0]))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json() {
				return printJSON(out, acct)
			}
			fmt.Fprintf(out, "principal: %s\n", acct.PrincipalID)
			fmt.Fprintf(out, "email:     %s\n", acct.Email)
			fmt.Fprintf(out, "balance:   %d\n", acct.Balance)
			fmt.Fprintf(out, "tier:      %s\n", acct.Tier)
			fmt.Fprintf(out, "created:   %s\n", acct.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <principal>",
		Short: "Show an account's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, backend, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			entries, err := svc.History(cmd.Context(), ledger.PrincipalID(args[0]), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json() {
				return printJSON(out, entries)
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %+6d  %-12s  %s\n", e.CreatedAt.Format(time.RFC3339), e.Delta, e.Kind, e.Description)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries (0 = all)")
	return cmd
}

func newPlansCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Show the price table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prices, err := opts.prices()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json() {
				return printJSON(out, map[string]any{
					"signup_bonus": prices.SignupBonus(),
					"tools":        prices.Tools(),
					"plans":        prices.Plans(),
				})
			}
			fmt.Fprintf(out, "signup bonus: %d\n\nTools:\n", prices.SignupBonus())
			for _, t := range prices.Tools() {
				fmt.Fprintf(out, "  %-18s %4d\n", t.ID, t.Cost)
			}
			fmt.Fprintln(out, "\nPlans:")
			for _, p := range prices.Plans() {
				fmt.Fprintf(out, "  %-10s %6d credits  %8s %s  tier=%s\n", p.ID, p.Credits, p.Price.StringFixed(2), p.Currency, p.Tier)
			}
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		email  string
		role   string
		ttl    time.Duration
		secret string
	)
	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Issue a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("JWT_SECRET (or --secret) is required")
			}
			v := identity.NewVerifier([]byte(secret))
			token, err := v.IssueToken(ledger.Principal{ID: ledger.PrincipalID(args[0]), Email: email}, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&role, "role", "", "role claim (admin for the audit endpoint)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", config.GetEnv("JWT_SECRET", ""), "HS256 signing secret")
	return cmd
}
