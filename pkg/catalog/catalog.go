// Package catalog holds the immutable pricing table: subscription plans for
// chat allowances and one-time credit packs for video generation. The catalog
// is validated eagerly on load and swapped atomically on reload, so readers
// never observe a partially loaded table.
package catalog

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Tier labels accepted in plan definitions.
const (
	TierBasic     = "basic"
	TierPro       = "pro"
	TierUnlimited = "unlimited"
)

// Errors returned by catalog lookups and loading.
var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownPack    = errors.New("unknown credit pack")
	ErrInactivePack   = errors.New("credit pack inactive")
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// Plan describes a chat subscription plan.
type Plan struct {
	ID               string `mapstructure:"id" validate:"required"`
	Name             string `mapstructure:"name" validate:"required"`
	PriceCents       int64  `mapstructure:"price_cents" validate:"gt=0"`
	Tier             string `mapstructure:"tier" validate:"required,oneof=basic pro unlimited"`
	MessageAllowance int64  `mapstructure:"message_allowance" validate:"gte=0"`
	CreditGrant      int64  `mapstructure:"credit_grant" validate:"gte=0"`
	ValidityDays     int    `mapstructure:"validity_days" validate:"gt=0"`
}

// UnlimitedMessages reports whether the plan removes the message allowance.
func (plan Plan) UnlimitedMessages() bool {
	return plan.Tier == TierUnlimited
}

// CreditPack describes a one-time purchasable credit grant.
type CreditPack struct {
	ID          string `mapstructure:"id" validate:"required"`
	Name        string `mapstructure:"name" validate:"required"`
	PriceCents  int64  `mapstructure:"price_cents" validate:"gt=0"`
	CreditGrant int64  `mapstructure:"credit_grant" validate:"gt=0"`
	Active      bool   `mapstructure:"active"`
}

type snapshot struct {
	plans     map[string]Plan
	packs     map[string]CreditPack
	planOrder []string
	packOrder []string
}

// Catalog is a loaded-once pricing table with atomic reload.
type Catalog struct {
	current atomic.Pointer[snapshot]
}

// New builds a catalog from the given plans and packs, validating eagerly.
func New(plans []Plan, packs []CreditPack) (*Catalog, error) {
	validated, err := buildSnapshot(plans, packs)
	if err != nil {
		return nil, err
	}
	catalog := &Catalog{}
	catalog.current.Store(validated)
	return catalog, nil
}

// Load reads a catalog file (yaml/json/toml, resolved by extension).
func Load(path string) (*Catalog, error) {
	plans, packs, err := readCatalogFile(path)
	if err != nil {
		return nil, err
	}
	return New(plans, packs)
}

// Reload validates the candidate table fully before swapping it in. The old
// table stays visible until validation succeeds.
func (catalog *Catalog) Reload(plans []Plan, packs []CreditPack) error {
	validated, err := buildSnapshot(plans, packs)
	if err != nil {
		return err
	}
	catalog.current.Store(validated)
	return nil
}

// ReloadFromFile re-reads the catalog file and swaps atomically.
func (catalog *Catalog) ReloadFromFile(path string) error {
	plans, packs, err := readCatalogFile(path)
	if err != nil {
		return err
	}
	return catalog.Reload(plans, packs)
}

// Plan returns the plan with the given id.
func (catalog *Catalog) Plan(id string) (Plan, error) {
	plan, ok := catalog.current.Load().plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, id)
	}
	return plan, nil
}

// Pack returns the credit pack with the given id. Inactive packs resolve but
// are rejected for purchase by the ledger.
func (catalog *Catalog) Pack(id string) (CreditPack, error) {
	pack, ok := catalog.current.Load().packs[id]
	if !ok {
		return CreditPack{}, fmt.Errorf("%w: %s", ErrUnknownPack, id)
	}
	return pack, nil
}

// Plans returns the plans in file order.
func (catalog *Catalog) Plans() []Plan {
	loaded := catalog.current.Load()
	plans := make([]Plan, 0, len(loaded.planOrder))
	for _, id := range loaded.planOrder {
		plans = append(plans, loaded.plans[id])
	}
	return plans
}

// Packs returns the credit packs in file order.
func (catalog *Catalog) Packs() []CreditPack {
	loaded := catalog.current.Load()
	packs := make([]CreditPack, 0, len(loaded.packOrder))
	for _, id := range loaded.packOrder {
		packs = append(packs, loaded.packs[id])
	}
	return packs
}

type catalogFile struct {
	Plans []Plan       `mapstructure:"plans"`
	Packs []CreditPack `mapstructure:"packs"`
}

func readCatalogFile(path string) ([]Plan, []CreditPack, error) {
	loader := viper.New()
	loader.SetConfigFile(path)
	if err := loader.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("%w: read %s: %v", ErrInvalidCatalog, path, err)
	}
	var file catalogFile
	if err := loader.Unmarshal(&file); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidCatalog, path, err)
	}
	return file.Plans, file.Packs, nil
}

func buildSnapshot(plans []Plan, packs []CreditPack) (*snapshot, error) {
	validate := validator.New()
	built := &snapshot{
		plans: make(map[string]Plan, len(plans)),
		packs: make(map[string]CreditPack, len(packs)),
	}
	seen := make(map[string]struct{}, len(plans)+len(packs))
	for _, plan := range plans {
		if err := validate.Struct(plan); err != nil {
			return nil, fmt.Errorf("%w: plan %q: %v", ErrInvalidCatalog, plan.ID, err)
		}
		if !plan.UnlimitedMessages() && plan.MessageAllowance <= 0 {
			return nil, fmt.Errorf("%w: plan %q: message allowance required for limited tiers", ErrInvalidCatalog, plan.ID)
		}
		if _, duplicate := seen[plan.ID]; duplicate {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, plan.ID)
		}
		seen[plan.ID] = struct{}{}
		built.plans[plan.ID] = plan
		built.planOrder = append(built.planOrder, plan.ID)
	}
	for _, pack := range packs {
		if err := validate.Struct(pack); err != nil {
			return nil, fmt.Errorf("%w: pack %q: %v", ErrInvalidCatalog, pack.ID, err)
		}
		if _, duplicate := seen[pack.ID]; duplicate {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, pack.ID)
		}
		seen[pack.ID] = struct{}{}
		built.packs[pack.ID] = pack
		built.packOrder = append(built.packOrder, pack.ID)
	}
	if len(built.plans) == 0 && len(built.packs) == 0 {
		return nil, fmt.Errorf("%w: empty catalog", ErrInvalidCatalog)
	}
	return built, nil
}
