package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/identity"
	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logging"
	"github.com/warp/credit-ledger/pricing"
	"github.com/warp/credit-ledger/store/sqlite"
)

// seed creates a database with one account that spent 8 credits.
func seed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credits.db")
	st, err := sqlite.New(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	svc := ledger.NewService(st, pricing.Default(), logging.Discard())
	_, err = svc.EnsureAccount(ctx, "user-1", "me@example.com")
	require.NoError(t, err)
	_, err = svc.ChargeTool(ctx, "user-1", "image_edit")
	require.NoError(t, err)
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAudit_Consistent(t *testing.T) {
	db := seed(t)

	out, err := run(t, "audit", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "checked 1 accounts, 0 inconsistent")
}

func TestAudit_DetectsDrift(t *testing.T) {
	db := seed(t)

	// GIVEN: A balance changed behind the ledger's back
	st, err := sqlite.New(db)
	require.NoError(t, err)
	_, err = st.AdjustBalance(context.Background(), "user-1", 50)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// WHEN: The audit runs
	out, err := run(t, "audit", "--db", db, "--output", "json")

	// THEN: It fails and names the account
	assert.ErrorIs(t, err, errAuditFailed)
	var report struct {
		Checked    int                  `json:"checked"`
		Mismatches []ledger.AuditReport `json:"mismatches"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Mismatches, 1)
	assert.Equal(t, int64(142), report.Mismatches[0].Balance)
	assert.Equal(t, int64(92), report.Mismatches[0].LedgerSum)
}

func TestBalanceAndHistory(t *testing.T) {
	db := seed(t)

	out, err := run(t, "balance", "user-1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "balance:   92")
	assert.Contains(t, out, "tier:      free")

	out, err = run(t, "history", "user-1", "--db", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "usage")
	assert.Contains(t, lines[1], "signup_grant")

	_, err = run(t, "balance", "nobody", "--db", db)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestPlans(t *testing.T) {
	out, err := run(t, "plans")
	require.NoError(t, err)
	assert.Contains(t, out, "signup bonus: 100")
	assert.Contains(t, out, "creator")
	assert.Contains(t, out, "24.99")
}

func TestToken(t *testing.T) {
	out, err := run(t, "token", "ops", "--role", "admin", "--secret", "s3cr3t")
	require.NoError(t, err)

	id, err := identity.NewVerifier([]byte("s3cr3t")).VerifyToken(context.Background(), strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, ledger.PrincipalID("ops"), id.Principal.ID)
	assert.True(t, id.IsAdmin())

	_, err = run(t, "token", "ops", "--secret", "")
	assert.Error(t, err)
}

func TestSeed_ScenariosPassAudit(t *testing.T) {
	db := filepath.Join(t.TempDir(), "seed.db")

	// GIVEN: Every scenario loaded for its own principal, twice
	for _, id := range []string{"new-user", "spent-down", "creator", "goodwill"} {
		for i := 0; i < 2; i++ {
			_, err := run(t, "seed", id, "--principal", "demo-"+id, "--db", db)
			require.NoError(t, err, id)
		}
	}

	// THEN: Balances match the scenario descriptions
	want := map[string]string{
		"demo-new-user":   "balance:   100",
		"demo-spent-down": "balance:   4",
		"demo-creator":    "balance:   1804",
		"demo-goodwill":   "balance:   54",
	}
	for principal, line := range want {
		out, err := run(t, "balance", principal, "--db", db)
		require.NoError(t, err)
		assert.Contains(t, out, line, principal)
	}

	out, err := run(t, "audit", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "checked 4 accounts, 0 inconsistent")

	_, err = run(t, "seed", "black-friday", "--db", db)
	assert.Error(t, err)
}
