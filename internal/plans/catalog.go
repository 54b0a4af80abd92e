package plans

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/renecastillotv/clic-ledger/internal/money"
)

//go:embed default_plans.yaml
var defaultCatalog []byte

type catalogFile struct {
	Plans []catalogPlan `yaml:"plans"`
}

type catalogPlan struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Currency         string            `yaml:"currency"`
	BaseCost         string            `yaml:"base_cost"`
	IncludedUsers    int64             `yaml:"included_users"`
	IncludedListings int64             `yaml:"included_listings"`
	UserOverage      string            `yaml:"user_overage"`
	ListingOverage   string            `yaml:"listing_overage"`
	Features         map[string]string `yaml:"features"`
}

// Catalog is an in-memory Registry loaded from YAML.
type Catalog struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

// DefaultCatalog returns the catalogue compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a YAML catalogue from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalogue: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalogue.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	c := NewCatalog()
	for _, cp := range f.Plans {
		p, err := cp.toPlan()
		if err != nil {
			return nil, err
		}
		if err := c.Put(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewCatalog returns an empty catalogue.
func NewCatalog() *Catalog {
	return &Catalog{plans: make(map[string]*Plan)}
}

// Put validates and stores a plan, replacing any plan with the same ID.
func (c *Catalog) Put(p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[p.ID] = p.Clone()
	return nil
}

// GetPlan implements Registry.
func (c *Catalog) GetPlan(_ context.Context, id string) (*Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// List returns all plans ordered by ID.
func (c *Catalog) List() []*Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (cp catalogPlan) toPlan() (*Plan, error) {
	parse := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := money.Parse(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: plan %s %s %q: %v", ErrInvalid, cp.ID, field, s, err)
		}
		return d, nil
	}

	p := &Plan{
		ID:               cp.ID,
		Name:             cp.Name,
		Currency:         cp.Currency,
		IncludedUsers:    cp.IncludedUsers,
		IncludedListings: cp.IncludedListings,
		FeaturePrices:    make(map[string]decimal.Decimal, len(cp.Features)),
	}
	var err error
	if p.BaseCost, err = parse("base_cost", cp.BaseCost); err != nil {
		return nil, err
	}
	if p.UserOverage, err = parse("user_overage", cp.UserOverage); err != nil {
		return nil, err
	}
	if p.ListingOverage, err = parse("listing_overage", cp.ListingOverage); err != nil {
		return nil, err
	}
	for key, raw := range cp.Features {
		if p.FeaturePrices[key], err = parse("feature "+key, raw); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var _ Registry = (*Catalog)(nil)
