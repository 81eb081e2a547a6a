package catalog

import (
	"errors"
	"testing"
)

func validPlans() []Plan {
	return []Plan{
		{ID: "plan-a", Name: "Plan A", PriceCents: 999, Tier: TierBasic, MessageAllowance: 100, ValidityDays: 30},
		{ID: "plan-b", Name: "Plan B", PriceCents: 1999, Tier: TierUnlimited, ValidityDays: 30},
	}
}

func validPacks() []CreditPack {
	return []CreditPack{
		{ID: "pack-a", Name: "Pack A", PriceCents: 499, CreditGrant: 50, Active: true},
		{ID: "pack-b", Name: "Pack B", PriceCents: 899, CreditGrant: 120, Active: false},
	}
}

func TestNewValidatesCatalog(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name  string
		plans []Plan
		packs []CreditPack
	}{
		{
			name:  "empty catalog",
			plans: nil,
			packs: nil,
		},
		{
			name:  "missing plan tier",
			plans: []Plan{{ID: "p", Name: "P", PriceCents: 100, MessageAllowance: 10, ValidityDays: 30}},
			packs: validPacks(),
		},
		{
			name:  "unknown tier",
			plans: []Plan{{ID: "p", Name: "P", PriceCents: 100, Tier: "platinum", MessageAllowance: 10, ValidityDays: 30}},
			packs: validPacks(),
		},
		{
			name:  "limited plan without allowance",
			plans: []Plan{{ID: "p", Name: "P", PriceCents: 100, Tier: TierBasic, ValidityDays: 30}},
			packs: validPacks(),
		},
		{
			name:  "zero price pack",
			plans: validPlans(),
			packs: []CreditPack{{ID: "k", Name: "K", CreditGrant: 10, Active: true}},
		},
		{
			name:  "duplicate plan id",
			plans: append(validPlans(), Plan{ID: "plan-a", Name: "Dup", PriceCents: 100, Tier: TierBasic, MessageAllowance: 1, ValidityDays: 30}),
			packs: validPacks(),
		},
		{
			name:  "id shared across plans and packs",
			plans: validPlans(),
			packs: []CreditPack{{ID: "plan-a", Name: "Shadow", PriceCents: 100, CreditGrant: 10, Active: true}},
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			_, err := New(testCase.plans, testCase.packs)
			if !errors.Is(err, ErrInvalidCatalog) {
				test.Fatalf("expected ErrInvalidCatalog, got %v", err)
			}
		})
	}
}

func TestLookups(test *testing.T) {
	test.Parallel()
	pricing, err := New(validPlans(), validPacks())
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}

	plan, err := pricing.Plan("plan-a")
	if err != nil {
		test.Fatalf("plan lookup: %v", err)
	}
	if plan.PriceCents != 999 {
		test.Fatalf("unexpected plan: %+v", plan)
	}
	if _, err := pricing.Plan("plan-x"); !errors.Is(err, ErrUnknownPlan) {
		test.Fatalf("expected ErrUnknownPlan, got %v", err)
	}

	pack, err := pricing.Pack("pack-b")
	if err != nil {
		test.Fatalf("pack lookup: %v", err)
	}
	if pack.Active {
		test.Fatalf("expected inactive pack to resolve with Active=false")
	}
	if _, err := pricing.Pack("pack-x"); !errors.Is(err, ErrUnknownPack) {
		test.Fatalf("expected ErrUnknownPack, got %v", err)
	}
}

func TestListOrderMatchesDefinitionOrder(test *testing.T) {
	test.Parallel()
	pricing, err := New(validPlans(), validPacks())
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}
	plans := pricing.Plans()
	if len(plans) != 2 || plans[0].ID != "plan-a" || plans[1].ID != "plan-b" {
		test.Fatalf("unexpected plan order: %+v", plans)
	}
	packs := pricing.Packs()
	if len(packs) != 2 || packs[0].ID != "pack-a" || packs[1].ID != "pack-b" {
		test.Fatalf("unexpected pack order: %+v", packs)
	}
}

func TestReloadKeepsOldTableOnInvalidInput(test *testing.T) {
	test.Parallel()
	pricing, err := New(validPlans(), validPacks())
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}
	if err := pricing.Reload(nil, nil); !errors.Is(err, ErrInvalidCatalog) {
		test.Fatalf("expected ErrInvalidCatalog, got %v", err)
	}
	if _, err := pricing.Plan("plan-a"); err != nil {
		test.Fatalf("old table must survive failed reload: %v", err)
	}
}

func TestReloadSwapsTable(test *testing.T) {
	test.Parallel()
	pricing, err := New(validPlans(), validPacks())
	if err != nil {
		test.Fatalf("new catalog: %v", err)
	}
	replacement := []Plan{{ID: "plan-new", Name: "New", PriceCents: 2999, Tier: TierPro, MessageAllowance: 2000, ValidityDays: 30}}
	if err := pricing.Reload(replacement, validPacks()); err != nil {
		test.Fatalf("reload: %v", err)
	}
	if _, err := pricing.Plan("plan-new"); err != nil {
		test.Fatalf("new plan missing after reload: %v", err)
	}
	if _, err := pricing.Plan("plan-a"); !errors.Is(err, ErrUnknownPlan) {
		test.Fatalf("old plan must be gone after reload, got %v", err)
	}
}

func TestDefaultCatalogIsValid(test *testing.T) {
	test.Parallel()
	pricing := Default()
	if len(pricing.Plans()) == 0 || len(pricing.Packs()) == 0 {
		test.Fatalf("default catalog must carry plans and packs")
	}
	plan, err := pricing.Plan("plan-unlimited")
	if err != nil {
		test.Fatalf("plan-unlimited: %v", err)
	}
	if !plan.UnlimitedMessages() {
		test.Fatalf("plan-unlimited must remove the allowance")
	}
}
