package entitlement

import (
	"context"
	"errors"
	"testing"
)

const testFreeMessageLimit = int64(3)

func TestRecordMessageAllowsUnderFreeLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, "free-user")
	personaID := mustPersonaID(test, "persona-luna")

	for sent := int64(1); sent <= testFreeMessageLimit; sent++ {
		decision, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit)
		if err != nil {
			test.Fatalf("message %d: %v", sent, err)
		}
		if !decision.Allowed {
			test.Fatalf("message %d unexpectedly denied", sent)
		}
		if decision.Used != sent {
			test.Fatalf("expected used %d, got %d", sent, decision.Used)
		}
		if decision.Limit != testFreeMessageLimit {
			test.Fatalf("expected limit %d, got %d", testFreeMessageLimit, decision.Limit)
		}
	}
}

func TestRecordMessageExhaustsFreeLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, "exhausted-user")
	personaID := mustPersonaID(test, "persona-kai")

	for sent := int64(1); sent <= testFreeMessageLimit; sent++ {
		if _, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit); err != nil {
			test.Fatalf("message %d: %v", sent, err)
		}
	}
	decision, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit)
	if !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if decision.Allowed {
		test.Fatalf("denied message reported as allowed")
	}
	if decision.Used != testFreeMessageLimit {
		test.Fatalf("denial must not consume quota, used %d", decision.Used)
	}
	session := store.sessions[personaID.String()]
	if !session.QuotaExhausted {
		test.Fatalf("expected session marked exhausted")
	}
	if session.MessagesUsed != testFreeMessageLimit {
		test.Fatalf("counter moved on denial: %d", session.MessagesUsed)
	}
}

func TestRecordMessagePerPersonaIsolation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	userID := mustUserID(test, "multi-persona-user")
	exhaustedPersona := mustPersonaID(test, "persona-a")
	freshPersona := mustPersonaID(test, "persona-b")

	for sent := int64(0); sent < testFreeMessageLimit; sent++ {
		if _, err := service.RecordMessage(context.Background(), userID, exhaustedPersona, testFreeMessageLimit); err != nil {
			test.Fatalf("seed message: %v", err)
		}
	}
	if _, err := service.RecordMessage(context.Background(), userID, exhaustedPersona, testFreeMessageLimit); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected exhausted persona to deny, got %v", err)
	}

	decision, err := service.RecordMessage(context.Background(), userID, freshPersona, testFreeMessageLimit)
	if err != nil {
		test.Fatalf("fresh persona: %v", err)
	}
	if !decision.Allowed || decision.Used != 1 {
		test.Fatalf("fresh persona should start clean, got %+v", decision)
	}
}

func TestRecordMessageUnlimitedTier(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.account.Tier = TierUnlimited
	store.account.ExpiresAtUnixUTC = fixedNowUnixUTC + 1000
	service := mustNewService(test, store)
	userID := mustUserID(test, "unlimited-user")
	personaID := mustPersonaID(test, "persona-nova")

	for sent := 0; sent < 20; sent++ {
		decision, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit)
		if err != nil {
			test.Fatalf("message %d: %v", sent, err)
		}
		if decision.Limit != 0 {
			test.Fatalf("unlimited tier must report limit 0, got %d", decision.Limit)
		}
	}
}

func TestRecordMessageSubscriptionAllowance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.account.Tier = TierBasic
	store.account.MessageAllowance = 5
	store.account.ExpiresAtUnixUTC = fixedNowUnixUTC + 1000
	service := mustNewService(test, store)
	userID := mustUserID(test, "basic-user")
	personaID := mustPersonaID(test, "persona-iris")

	for sent := int64(1); sent <= 5; sent++ {
		decision, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit)
		if err != nil {
			test.Fatalf("message %d: %v", sent, err)
		}
		if decision.Limit != 5 {
			test.Fatalf("expected subscription allowance 5, got %d", decision.Limit)
		}
	}
	if _, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit); !errors.Is(err, ErrQuotaExceeded) {
		test.Fatalf("expected allowance exhaustion, got %v", err)
	}
}

func TestRecordMessageExpiredSubscriptionFallsBackToFreeLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.account.Tier = TierPro
	store.account.MessageAllowance = 2000
	store.account.ExpiresAtUnixUTC = fixedNowUnixUTC - 1
	service := mustNewService(test, store)
	userID := mustUserID(test, "lapsed-user")
	personaID := mustPersonaID(test, "persona-echo")

	decision, err := service.RecordMessage(context.Background(), userID, personaID, testFreeMessageLimit)
	if err != nil {
		test.Fatalf("message: %v", err)
	}
	if decision.Limit != testFreeMessageLimit {
		test.Fatalf("lapsed subscription must fall back to free limit, got %d", decision.Limit)
	}
}

func TestRecordMessageRejectsNonPositiveLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	service := mustNewService(test, store)
	_, err := service.RecordMessage(context.Background(), mustUserID(test, "u"), mustPersonaID(test, "p"), 0)
	if !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestEntriesDelegatesToStore(test *testing.T) {
	test.Parallel()
	store := newStubStore(test, 0)
	store.listEntries = []Entry{
		{EntryID: "e1", AccountID: store.accountID, Type: EntryGrant, AmountCredits: 10, IdempotencyKey: "k1"},
		{EntryID: "e2", AccountID: store.accountID, Type: EntrySpend, AmountCredits: -5, IdempotencyKey: "k2"},
	}
	service := mustNewService(test, store)

	entries, err := service.Entries(context.Background(), mustUserID(test, "list-user"), 0, 5)
	if err != nil {
		test.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].EntryID != "e1" || entries[1].EntryID != "e2" {
		test.Fatalf("unexpected entries: %+v", entries)
	}
}
