/*
Package pricing is the Grant Policy: a static price table of tool costs,
purchase plans and the signup bonus.

PURPOSE:
  Pure lookup, no mutable state after construction. Unknown tool and plan
  identifiers fail with ErrUnknownTool / ErrUnknownPlan. There is no
  fallback cost and no default plan: a missing price is a configuration
  error that must surface, not be guessed.

JSON SCHEMA (PRICE_TABLE_PATH):
  {
    "signup_bonus": 100,
    "tools": {"chat_message": 1, "image_generate": 12},
    "plans": [
      {"id": "creator", "name": "Creator", "credits": 1800,
       "price": "24.99", "currency": "usd", "tier": "creator"}
    ]
  }

USAGE:
  table := pricing.Default()
  cost, err := table.CostOf("image_generate")   // 12
  plan, err := table.Plan("creator")             // 1800 credits

SEE ALSO:
  - ledger.Pricer: the subset the Balance Service depends on
*/
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/credit-ledger/ledger"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrUnknownPlan = errors.New("unknown plan")
)

// =============================================================================
// TYPES
// =============================================================================

// Plan is a purchasable credit pack.
type Plan struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Credits  int64           `json:"credits"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Tier     ledger.PlanTier `json:"tier"`
}

// Tool is a priced tool, as listed by Tools.
type Tool struct {
	ID   string `json:"id"`
	Cost int64  `json:"cost"`
}

// Table is an immutable price table.
type Table struct {
	signupBonus int64
	tools       map[string]int64
	plans       map[string]Plan
	planOrder   []string
}

// TableJSON is the on-disk representation.
type TableJSON struct {
	SignupBonus int64            `json:"signup_bonus"`
	Tools       map[string]int64 `json:"tools"`
	Plans       []Plan           `json:"plans"`
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

// New validates def and builds a Table.
func New(def TableJSON) (*Table, error) {
	if def.SignupBonus < 0 {
		return nil, fmt.Errorf("signup_bonus must not be negative, got %d", def.SignupBonus)
	}
	if len(def.Tools) == 0 {
		return nil, errors.New("at least one tool is required")
	}

	t := &Table{
		signupBonus: def.SignupBonus,
		tools:       make(map[string]int64, len(def.Tools)),
		plans:       make(map[string]Plan, len(def.Plans)),
	}

	for id, cost := range def.Tools {
		if id == "" {
			return nil, errors.New("tool id is required")
		}
		if cost <= 0 {
			return nil, fmt.Errorf("tool %q: cost must be positive, got %d", id, cost)
		}
		t.tools[id] = cost
	}

	for _, p := range def.Plans {
		if p.ID == "" {
			return nil, errors.New("plan id is required")
		}
		if _, dup := t.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan %q defined twice", p.ID)
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("plan %q: credits must be positive, got %d", p.ID, p.Credits)
		}
		if !p.Price.IsPositive() {
			return nil, fmt.Errorf("plan %q: price must be positive", p.ID)
		}
		if p.Tier == "" {
			p.Tier = ledger.TierFree
		}
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("plan %q: unknown tier %q", p.ID, p.Tier)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		p.Currency = strings.ToLower(p.Currency)
		if p.Currency == "" {
			p.Currency = "usd"
		}
		t.plans[p.ID] = p
		t.planOrder = append(t.planOrder, p.ID)
	}

	return t, nil
}

// Parse builds a Table from JSON.
func Parse(data []byte) (*Table, error) {
	var def TableJSON
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("invalid price table JSON: %w", err)
	}
	return New(def)
}

// Load reads a JSON price table from path.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	return Parse(data)
}

// MustNew is New that panics, for static tables.
func MustNew(def TableJSON) *Table {
	t, err := New(def)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultJSON is the built-in price table.
func DefaultJSON() TableJSON {
	return TableJSON{
		SignupBonus: 100,
		Tools: map[string]int64{
			"chat_message":   1,
			"image_generate": 12,
			"image_edit":     8,
			"video_generate": 60,
			"audio_generate": 6,
			"voice_clone":    20,
			"transcribe":     4,
		},
		Plans: []Plan{
			{ID: "flex", Name: "Flex", Credits: 250, Price: decimal.RequireFromString("5.00"), Currency: "usd", Tier: ledger.TierFlex},
			{ID: "personal", Name: "Personal", Credits: 500, Price: decimal.RequireFromString("9.99"), Currency: "usd", Tier: ledger.TierPersonal},
			{ID: "creator", Name: "Creator", Credits: 1800, Price: decimal.RequireFromString("24.99"), Currency: "usd", Tier: ledger.TierCreator},
			{ID: "studio", Name: "Studio", Credits: 5000, Price: decimal.RequireFromString("59.99"), Currency: "usd", Tier: ledger.TierStudio},
		},
	}
}

// Default returns the built-in price table.
func Default() *Table {
	return MustNew(DefaultJSON())
}

// =============================================================================
// LOOKUPS
// =============================================================================

func (t *Table) SignupBonus() int64 {
	return t.signupBonus
}

// CostOf returns the credit cost of one invocation of toolID.
func (t *Table) CostOf(toolID string) (int64, error) {
	cost, ok := t.tools[toolID]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTool, toolID)
	}
	return cost, nil
}

// Plan returns the plan with the given id.
func (t *Table) Plan(planID string) (Plan, error) {
	p, ok := t.plans[planID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return p, nil
}

// CreditsFor returns the credits granted by planID.
func (t *Table) CreditsFor(planID string) (int64, error) {
	p, err := t.Plan(planID)
	if err != nil {
		return 0, err
	}
	return p.Credits, nil
}

// Tools lists tools sorted by id.
func (t *Table) Tools() []Tool {
	tools := make([]Tool, 0, len(t.tools))
	for id, cost := range t.tools {
		tools = append(tools, Tool{ID: id, Cost: cost})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools
}

// Plans lists plans in definition order.
func (t *Table) Plans() []Plan {
	plans := make([]Plan, 0, len(t.planOrder))
	for _, id := range t.planOrder {
		plans = append(plans, t.plans[id])
	}
	return plans
}

// Currencies whose smallest unit is not a hundredth, as listed by Stripe.
var (
	zeroDecimalCurrencies = map[string]bool{
		"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
		"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
		"vuv": true, "xaf": true, "xof": true, "xpf": true,
	}
	threeDecimalCurrencies = map[string]bool{
		"bhd": true, "jod": true, "kwd": true, "omr": true, "tnd": true,
	}
)

// CurrencyExponent returns the number of decimal places of currency's
// smallest unit: 0 for jpy, 3 for kwd, 2 otherwise.
func CurrencyExponent(currency string) int32 {
	c := strings.ToLower(currency)
	switch {
	case zeroDecimalCurrencies[c]:
		return 0
	case threeDecimalCurrencies[c]:
		return 3
	default:
		return 2
	}
}

// MinorUnits converts a price to the smallest unit of currency (cents for
// usd, yen for jpy).
func MinorUnits(price decimal.Decimal, currency string) int64 {
	return price.Shift(CurrencyExponent(currency)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -CurrencyExponent(currency))
}
