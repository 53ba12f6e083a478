/*
seed.go - Demo scenario loaders for local development

PURPOSE:
  Populates a ledger with accounts in recognizable states so the frontend
  and the API can be exercised without a payment provider. Every step goes
  through the balance service, so seeded data passes the audit.

AVAILABLE SCENARIOS:
  new-user:    provisioned, signup bonus only (100)
  spent-down:  twelve image edits, 4 credits left
  creator:     spent-down, then a creator purchase (1804, tier creator)
  goodwill:    spent-down, then a 50 credit refund

  A principal that already exists is left as it is, so seeding twice is
  harmless.

USAGE:
  ledgerctl seed creator --principal demo-1 --email demo@example.com
  ledgerctl seed --list
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/pricing"
)

type scenario struct {
	ID          string
	Description string
	load        func(ctx context.Context, s seeder, id ledger.PrincipalID, email string) error
}

type seeder struct {
	svc    *ledger.Service
	prices *pricing.Table
}

var scenarios = map[string]scenario{
	"new-user": {
		ID:          "new-user",
		Description: "Provisioned account with the signup bonus only",
		load:        loadNewUser,
	},
	"spent-down": {
		ID:          "spent-down",
		Description: "Twelve image edits, 4 credits left",
		load:        loadSpentDown,
	},
	"creator": {
		ID:          "creator",
		Description: "Spent down, then bought the creator plan",
		load:        loadCreator,
	},
	"goodwill": {
		ID:          "goodwill",
		Description: "Spent down, then a 50 credit refund",
		load:        loadGoodwill,
	},
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var (
		principal string
		email     string
		list      bool
	)
	cmd := &cobra.Command{
		Use:   "seed <scenario>",
		Short: "Load a demo scenario into the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list || len(args) == 0 {
				ids := make([]string, 0, len(scenarios))
				for id := range scenarios {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(out, "  %-12s %s\n", id, scenarios[id].Description)
				}
				return nil
			}

			sc, ok := scenarios[args[0]]
			if !ok {
				return fmt.Errorf("unknown scenario %q (see ledgerctl seed --list)", args[0])
			}

			prices, err := opts.prices()
			if err != nil {
				return err
			}
			svc, backend, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			id := ledger.PrincipalID(principal)
			if acct, err := svc.Account(cmd.Context(), id); err == nil {
				fmt.Fprintf(out, "%s already exists (balance=%d), skipping\n", acct.PrincipalID, acct.Balance)
				return nil
			} else if !errors.Is(err, ledger.ErrAccountNotFound) {
				return err
			}

			if err := sc.load(cmd.Context(), seeder{svc: svc, prices: prices}, id, email); err != nil {
				return fmt.Errorf("scenario %s: %w", sc.ID, err)
			}

			acct, err := svc.Account(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "loaded %s: %s balance=%d tier=%s\n", sc.ID, acct.PrincipalID, acct.Balance, acct.Tier)
			return nil
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "demo-user", "principal id to seed")
	cmd.Flags().StringVar(&email, "email", "", "email for the account")
	cmd.Flags().BoolVar(&list, "list", false, "list scenarios")
	return cmd
}

// =============================================================================
// LOADERS
// =============================================================================

func loadNewUser(ctx context.Context, s seeder, id ledger.PrincipalID, email string) error {
	_, err := s.svc.EnsureAccount(ctx, id, email)
	return err
}

// loadSpentDown charges image edits until the next one would not fit.
func loadSpentDown(ctx context.Context, s seeder, id ledger.PrincipalID, email string) error {
	cost, err := s.prices.CostOf("image_edit")
	if err != nil {
		return err
	}
	acct, err := s.svc.EnsureAccount(ctx, id, email)
	if err != nil {
		return err
	}
	for balance := acct.Balance; balance >= cost; {
		res, err := s.svc.ChargeTool(ctx, id, "image_edit")
		if err != nil {
			return err
		}
		balance = res.Balance
	}
	return nil
}

func loadCreator(ctx context.Context, s seeder, id ledger.PrincipalID, email string) error {
	plan, err := s.prices.Plan("creator")
	if err != nil {
		return err
	}
	if err := loadSpentDown(ctx, s, id, email); err != nil {
		return err
	}
	_, err = s.svc.Credit(ctx, ledger.CreditRequest{
		Principal:      id,
		Amount:         plan.Credits,
		IdempotencyKey: "seed:creator:" + string(id),
		Description:    fmt.Sprintf("purchase: %s plan", plan.Name),
		Kind:           ledger.KindPurchase,
		Tier:           plan.Tier,
	})
	return err
}

func loadGoodwill(ctx context.Context, s seeder, id ledger.PrincipalID, email string) error {
	if err := loadSpentDown(ctx, s, id, email); err != nil {
		return err
	}
	_, err := s.svc.Credit(ctx, ledger.CreditRequest{
		Principal:      id,
		Amount:         50,
		IdempotencyKey: "seed:goodwill:" + string(id),
		Description:    "refund: goodwill",
		Kind:           ledger.KindRefund,
	})
	return err
}
