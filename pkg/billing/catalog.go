package billing

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EffectKind describes what purchasing a plan does to the tenant record
type EffectKind string

const (
	// EffectSubscription sets plan and status (recurring)
	EffectSubscription EffectKind = "subscription"
	// EffectCredits grants a one-time credit amount
	EffectCredits EffectKind = "credits"
)

// Effect is the parsed form of a catalog effect ("subscription" or "credits:N")
type Effect struct {
	Kind    EffectKind
	Credits int64
}

// ParseEffect parses "subscription" or "credits:N" (N > 0). Empty means subscription.
func ParseEffect(s string) (Effect, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == string(EffectSubscription) {
		return Effect{Kind: EffectSubscription}, nil
	}
	if rest, ok := strings.CutPrefix(s, string(EffectCredits)+":"); ok {
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n <= 0 {
			return Effect{}, fmt.Errorf("%w: invalid credit amount %q", ErrInvalidCatalog, rest)
		}
		return Effect{Kind: EffectCredits, Credits: n}, nil
	}
	return Effect{}, fmt.Errorf("%w: unknown effect %q", ErrInvalidCatalog, s)
}

func (e Effect) String() string {
	if e.Kind == EffectCredits {
		return fmt.Sprintf("credits:%d", e.Credits)
	}
	return string(EffectSubscription)
}

// Plan is an internal plan with its processor identifiers and feature set
type Plan struct {
	ID         string
	Rank       int
	Effect     Effect
	PriceIDs   []string
	ProductIDs []string
	Features   []FeatureKey
}

// PlanConfig is the configuration form of a Plan
type PlanConfig struct {
	ID         string   `yaml:"id" mapstructure:"id" validate:"required"`
	Rank       int      `yaml:"rank" mapstructure:"rank" validate:"gte=0"`
	Effect     string   `yaml:"effect" mapstructure:"effect"`
	PriceIDs   []string `yaml:"price_ids" mapstructure:"price_ids"`
	ProductIDs []string `yaml:"product_ids" mapstructure:"product_ids"`
	Features   []string `yaml:"features" mapstructure:"features"`
}

// CatalogConfig is the static plan catalog loaded at process start
type CatalogConfig struct {
	// DefaultPlan is the plan a tenant falls back to without a paid subscription
	DefaultPlan string       `yaml:"default_plan" mapstructure:"default_plan" validate:"required"`
	Plans       []PlanConfig `yaml:"plans" mapstructure:"plans" validate:"required,min=1,dive"`
}

// LineItem is a single processor line item reduced to its identifiers
type LineItem struct {
	PriceID   string
	ProductID string
	Quantity  int64
}

// Resolution is the outcome of resolving a line item against the catalog
type Resolution struct {
	Plan   *Plan
	Effect Effect
	// MatchedID is the processor identifier that matched
	MatchedID string
}

// FeatureMap maps a plan to the set of features it enables. Implementations
// must be pure.
type FeatureMap interface {
	Features(planID string) []FeatureKey
}

// FeatureMapFunc adapts a function to FeatureMap
type FeatureMapFunc func(planID string) []FeatureKey

// Features implements FeatureMap
func (f FeatureMapFunc) Features(planID string) []FeatureKey {
	return f(planID)
}

// Catalog is the immutable plan catalog. It is safe for concurrent use.
type Catalog struct {
	plans       map[string]*Plan
	byPrice     map[string]*Plan
	byProduct   map[string]*Plan
	defaultPlan string
}

// NewCatalog validates the configuration and builds the lookup tables.
// Processor identifiers are matched case-insensitively and must be unique.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if len(cfg.Plans) == 0 {
		return nil, fmt.Errorf("%w: no plans configured", ErrInvalidCatalog)
	}

	c := &Catalog{
		plans:       make(map[string]*Plan, len(cfg.Plans)),
		byPrice:     make(map[string]*Plan),
		byProduct:   make(map[string]*Plan),
		defaultPlan: cfg.DefaultPlan,
	}

	for _, pc := range cfg.Plans {
		id := strings.TrimSpace(pc.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: plan without id", ErrInvalidCatalog)
		}
		if _, dup := c.plans[id]; dup {
			return nil, fmt.Errorf("%w: duplicate plan %q", ErrInvalidCatalog, id)
		}
		effect, err := ParseEffect(pc.Effect)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", id, err)
		}

		plan := &Plan{
			ID:         id,
			Rank:       pc.Rank,
			Effect:     effect,
			PriceIDs:   append([]string(nil), pc.PriceIDs...),
			ProductIDs: append([]string(nil), pc.ProductIDs...),
			Features:   normalizeFeatures(pc.Features),
		}
		c.plans[id] = plan

		for _, price := range pc.PriceIDs {
			key := normalizeID(price)
			if key == "" {
				continue
			}
			if other, dup := c.byPrice[key]; dup {
				return nil, fmt.Errorf("%w: price %q mapped to %q and %q", ErrInvalidCatalog, price, other.ID, id)
			}
			c.byPrice[key] = plan
		}
		for _, product := range pc.ProductIDs {
			key := normalizeID(product)
			if key == "" {
				continue
			}
			if other, dup := c.byProduct[key]; dup {
				return nil, fmt.Errorf("%w: product %q mapped to %q and %q", ErrInvalidCatalog, product, other.ID, id)
			}
			c.byProduct[key] = plan
		}
	}

	def, ok := c.plans[cfg.DefaultPlan]
	if !ok {
		return nil, fmt.Errorf("%w: default plan %q not configured", ErrInvalidCatalog, cfg.DefaultPlan)
	}
	if def.Effect.Kind != EffectSubscription {
		return nil, fmt.Errorf("%w: default plan %q must be a subscription plan", ErrInvalidCatalog, cfg.DefaultPlan)
	}

	return c, nil
}

// LoadCatalog reads a YAML catalog document
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var cfg CatalogConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(cfg)
}

// DefaultPlan returns the fallback plan id
func (c *Catalog) DefaultPlan() string {
	return c.defaultPlan
}

// Plan returns the plan with the given id
func (c *Catalog) Plan(id string) (*Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// Plans returns all plans ordered by rank, then id
func (c *Catalog) Plans() []*Plan {
	out := make([]*Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve maps the single line item of an event to a plan. Zero or several
// line items yield ErrMalformedLineItems; an identifier not present in the
// catalog yields ErrUnknownPriceID. There is no default fallback.
func (c *Catalog) Resolve(items []LineItem) (Resolution, error) {
	if len(items) != 1 {
		return Resolution{}, fmt.Errorf("%w: got %d", ErrMalformedLineItems, len(items))
	}
	item := items[0]

	if key := normalizeID(item.PriceID); key != "" {
		if plan, ok := c.byPrice[key]; ok {
			return Resolution{Plan: plan, Effect: plan.Effect, MatchedID: item.PriceID}, nil
		}
	}
	if key := normalizeID(item.ProductID); key != "" {
		if plan, ok := c.byProduct[key]; ok {
			return Resolution{Plan: plan, Effect: plan.Effect, MatchedID: item.ProductID}, nil
		}
	}

	if item.PriceID == "" && item.ProductID == "" {
		return Resolution{}, fmt.Errorf("%w: line item has no price or product id", ErrMalformedLineItems)
	}
	return Resolution{}, fmt.Errorf("%w: price=%q product=%q", ErrUnknownPriceID, item.PriceID, item.ProductID)
}

// Classify compares plan ranks. An empty or unknown from-plan ranks below
// every configured plan, so the first plan a tenant receives is an upgrade.
func (c *Catalog) Classify(fromPlan, toPlan string) ConversionReason {
	fromRank := -1
	if p, ok := c.plans[fromPlan]; ok {
		fromRank = p.Rank
	}
	toRank := -1
	if p, ok := c.plans[toPlan]; ok {
		toRank = p.Rank
	}

	switch {
	case fromRank < toRank:
		return ReasonUpgrade
	case fromRank > toRank:
		return ReasonDowngrade
	default:
		return ReasonPlanChange
	}
}

// Features implements FeatureMap using the plans' configured features.
// Unknown plans have no features.
func (c *Catalog) Features(planID string) []FeatureKey {
	p, ok := c.plans[planID]
	if !ok {
		return nil
	}
	return append([]FeatureKey(nil), p.Features...)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func normalizeFeatures(in []string) []FeatureKey {
	seen := make(map[FeatureKey]struct{}, len(in))
	out := make([]FeatureKey, 0, len(in))
	for _, f := range in {
		key := FeatureKey(strings.TrimSpace(f))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
