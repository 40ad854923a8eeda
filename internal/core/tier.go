package core

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/edvin/billing/internal/model"
)

//go:embed tiers.yaml
var defaultTierCatalog []byte

// TierPlan holds the commercial defaults of one tier.
type TierPlan struct {
	MonthlyPrice       int64          `yaml:"monthly_price"`
	TransactionFeeRate float64        `yaml:"transaction_fee_rate"`
	Features           model.Features `yaml:"features"`
}

// TierCatalog maps tiers to their plans and names the base and default paid tiers.
type TierCatalog struct {
	BaseTier        model.Tier              `yaml:"base_tier"`
	DefaultPaidTier model.Tier              `yaml:"default_paid_tier"`
	Tiers           map[model.Tier]TierPlan `yaml:"tiers"`
}

// DefaultTierCatalog returns the catalog compiled into the binary.
func DefaultTierCatalog() *TierCatalog {
	c, err := ParseTierCatalog(defaultTierCatalog)
	if err != nil {
		panic("embedded tier catalog: " + err.Error())
	}
	return c
}

// LoadTierCatalog reads a catalog from path, or returns the embedded default when path is empty.
func LoadTierCatalog(path string) (*TierCatalog, error) {
	if path == "" {
		return DefaultTierCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tier catalog %s: %w", path, err)
	}
	return ParseTierCatalog(data)
}

// ParseTierCatalog parses and validates a YAML tier catalog.
func ParseTierCatalog(data []byte) (*TierCatalog, error) {
	var c TierCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse tier catalog: %w", err)
	}

	if _, ok := c.Tiers[c.BaseTier]; !ok {
		return nil, fmt.Errorf("tier catalog: base tier %q has no plan", c.BaseTier)
	}
	if c.BaseTier.Paid() {
		return nil, fmt.Errorf("tier catalog: base tier %q must not be a paid tier", c.BaseTier)
	}
	if _, ok := c.Tiers[c.DefaultPaidTier]; !ok {
		return nil, fmt.Errorf("tier catalog: default paid tier %q has no plan", c.DefaultPaidTier)
	}
	if !c.DefaultPaidTier.Paid() {
		return nil, fmt.Errorf("tier catalog: default paid tier %q is not a paid tier", c.DefaultPaidTier)
	}

	// Features are stored as JSONB; normalize numbers to the types they come
	// back as so a re-derived snapshot compares equal to a stored one.
	for tier, plan := range c.Tiers {
		normalized, err := normalizeFeatures(plan.Features)
		if err != nil {
			return nil, fmt.Errorf("tier catalog: features of %q: %w", tier, err)
		}
		plan.Features = normalized
		c.Tiers[tier] = plan
	}

	return &c, nil
}

// Plan returns the plan for a tier.
func (c *TierCatalog) Plan(tier model.Tier) (TierPlan, bool) {
	p, ok := c.Tiers[tier]
	return p, ok
}

// PaidTier picks the tier a paid activation lands on: the requested tier when
// the catalog knows it, else the current tier when it is paid, else the default.
func (c *TierCatalog) PaidTier(requested, current model.Tier) model.Tier {
	if requested.Paid() {
		if _, ok := c.Tiers[requested]; ok {
			return requested
		}
	}
	if current.Paid() {
		if _, ok := c.Tiers[current]; ok {
			return current
		}
	}
	return c.DefaultPaidTier
}

// ApplyTier sets the tier on sub and re-derives price, fee rate and features.
func (c *TierCatalog) ApplyTier(sub *model.Subscription, tier model.Tier) {
	plan := c.Tiers[tier]
	sub.Tier = tier
	sub.MonthlyPrice = plan.MonthlyPrice
	sub.TransactionFeeRate = plan.TransactionFeeRate
	sub.Features = plan.Features.Clone()
}

func normalizeFeatures(f model.Features) (model.Features, error) {
	if f == nil {
		return model.Features{}, nil
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	var out model.Features
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
