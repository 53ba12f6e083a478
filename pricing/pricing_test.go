package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/pricing"
)

func TestDefault_KnownPrices(t *testing.T) {
	table := pricing.Default()

	assert.Equal(t, int64(100), table.SignupBonus())

	cost, err := table.CostOf("image_generate")
	require.NoError(t, err)
	assert.Equal(t, int64(12), cost)

	credits, err := table.CreditsFor("creator")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), credits)

	plan, err := table.Plan("creator")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierCreator, plan.Tier)
	assert.True(t, decimal.RequireFromString("24.99").Equal(plan.Price))
}

func TestCostOf_UnknownTool_NoFallback(t *testing.T) {
	// GIVEN: The default table
	// WHEN: Asking for a tool that is not priced
	// THEN: ErrUnknownTool, never a default cost of 1

	cost, err := pricing.Default().CostOf("nonexistent_tool")

	assert.ErrorIs(t, err, pricing.ErrUnknownTool)
	assert.Zero(t, cost)
}

func TestCreditsFor_UnknownPlan(t *testing.T) {
	credits, err := pricing.Default().CreditsFor("platinum")

	assert.ErrorIs(t, err, pricing.ErrUnknownPlan)
	assert.Zero(t, credits)
}

func TestPlans_DefinitionOrder(t *testing.T) {
	plans := pricing.Default().Plans()

	ids := make([]string, 0, len(plans))
	for _, p := range plans {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"flex", "personal", "creator", "studio"}, ids)
}

func TestTools_SortedByID(t *testing.T) {
	tools := pricing.Default().Tools()

	require.NotEmpty(t, tools)
	for i := 1; i < len(tools); i++ {
		assert.Less(t, tools[i-1].ID, tools[i].ID)
	}
}

func TestParse_Valid(t *testing.T) {
	table, err := pricing.Parse([]byte(`{
		"signup_bonus": 50,
		"tools": {"chat_message": 2},
		"plans": [{"id": "mini", "credits": 100, "price": "1.50", "currency": "EUR", "tier": "flex"}]
	}`))
	require.NoError(t, err)

	assert.Equal(t, int64(50), table.SignupBonus())
	plan, err := table.Plan("mini")
	require.NoError(t, err)
	assert.Equal(t, "mini", plan.Name, "name defaults to id")
	assert.Equal(t, "eur", plan.Currency)
	assert.Equal(t, int64(150), pricing.MinorUnits(plan.Price, plan.Currency))
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"bad json":          `{`,
		"no tools":          `{"signup_bonus": 1}`,
		"zero tool cost":    `{"tools": {"x": 0}}`,
		"negative bonus":    `{"signup_bonus": -1, "tools": {"x": 1}}`,
		"zero plan credits": `{"tools": {"x": 1}, "plans": [{"id": "p", "credits": 0, "price": "1"}]}`,
		"free plan":         `{"tools": {"x": 1}, "plans": [{"id": "p", "credits": 5, "price": "0"}]}`,
		"duplicate plan":    `{"tools": {"x": 1}, "plans": [{"id": "p", "credits": 5, "price": "1"}, {"id": "p", "credits": 5, "price": "1"}]}`,
		"unknown tier":      `{"tools": {"x": 1}, "plans": [{"id": "p", "credits": 5, "price": "1", "tier": "gold"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pricing.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prices.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"signup_bonus": 10, "tools": {"chat_message": 1}}`), 0o600))

	table, err := pricing.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), table.SignupBonus())
	assert.Empty(t, table.Plans())
}

func TestMinorUnits_Rounds(t *testing.T) {
	assert.Equal(t, int64(2499), pricing.MinorUnits(decimal.RequireFromString("24.99"), "usd"))
	assert.Equal(t, int64(500), pricing.MinorUnits(decimal.RequireFromString("5"), "usd"))
	assert.Equal(t, int64(1000), pricing.MinorUnits(decimal.RequireFromString("9.999"), "usd"))
}

func TestMinorUnits_CurrencyExponent(t *testing.T) {
	tests := []struct {
		currency string
		price    string
		minor    int64
	}{
		{"usd", "24.99", 2499},
		{"EUR", "1.50", 150},
		{"jpy", "3000", 3000},
		{"KRW", "15000", 15000},
		{"kwd", "1.234", 1234},
	}

	for _, tt := range tests {
		t.Run(tt.currency, func(t *testing.T) {
			price := decimal.RequireFromString(tt.price)
			assert.Equal(t, tt.minor, pricing.MinorUnits(price, tt.currency))
			assert.True(t, price.Equal(pricing.FromMinorUnits(tt.minor, tt.currency)))
		})
	}
}
