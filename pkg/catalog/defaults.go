package catalog

// Published pricing as shipped with the app. Overridable by a catalog file.
var (
	defaultPlans = []Plan{
		{ID: "plan-basic", Name: "Basic Membership", PriceCents: 1499, Tier: TierBasic, MessageAllowance: 500, ValidityDays: 30},
		{ID: "plan-pro", Name: "Chat Package", PriceCents: 3999, Tier: TierPro, MessageAllowance: 2000, ValidityDays: 30},
		{ID: "plan-unlimited", Name: "Unlimited Package", PriceCents: 4999, Tier: TierUnlimited, ValidityDays: 30},
		{ID: "plan-video-monthly", Name: "Monthly Video Subscription", PriceCents: 2999, Tier: TierBasic, MessageAllowance: 500, CreditGrant: 100, ValidityDays: 30},
	}
	defaultPacks = []CreditPack{
		{ID: "pack-50", Name: "50 Credits", PriceCents: 1999, CreditGrant: 50, Active: true},
		{ID: "pack-100", Name: "100 Credits", PriceCents: 2999, CreditGrant: 100, Active: true},
		{ID: "pack-200", Name: "200 Credits", PriceCents: 4999, CreditGrant: 200, Active: true},
		{ID: "pack-500", Name: "500 Credits", PriceCents: 9999, CreditGrant: 500, Active: true},
	}
)

// Default returns the built-in catalog.
func Default() *Catalog {
	catalog, err := New(defaultPlans, defaultPacks)
	if err != nil {
		panic(err)
	}
	return catalog
}
