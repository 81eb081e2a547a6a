package chatgate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/reelmuse/entitlement/internal/store/gormstore"
	"github.com/reelmuse/entitlement/pkg/catalog"
	"github.com/reelmuse/entitlement/pkg/entitlement"
)

func newTestGate(test *testing.T, freeLimit int64) *Gate {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/gate.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open: %v", err)
	}
	store := gormstore.New(db)
	if err := store.AutoMigrate(); err != nil {
		test.Fatalf("automigrate: %v", err)
	}
	ledger, err := entitlement.NewService(store, catalog.Default(), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	gate, err := New(ledger, freeLimit)
	if err != nil {
		test.Fatalf("gate: %v", err)
	}
	return gate
}

func mustIdentity(test *testing.T, rawUserID string, rawPersonaID string) (entitlement.UserID, entitlement.PersonaID) {
	test.Helper()
	userID, err := entitlement.NewUserID(rawUserID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	personaID, err := entitlement.NewPersonaID(rawPersonaID)
	if err != nil {
		test.Fatalf("persona id: %v", err)
	}
	return userID, personaID
}

func TestNewRequiresLedger(test *testing.T) {
	test.Parallel()
	if _, err := New(nil, 3); !errors.Is(err, entitlement.ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestCanSendAppliesDefaultLimit(test *testing.T) {
	test.Parallel()
	gate := newTestGate(test, 0)
	userID, personaID := mustIdentity(test, "free-user", "persona-luna")

	for sent := 1; sent <= DefaultFreeMessageLimit; sent++ {
		decision, err := gate.CanSend(context.Background(), userID, personaID)
		if err != nil {
			test.Fatalf("message %d: %v", sent, err)
		}
		if decision.Used != int64(sent) || decision.Limit != DefaultFreeMessageLimit {
			test.Fatalf("unexpected decision at %d: %+v", sent, decision)
		}
	}

	decision, err := gate.CanSend(context.Background(), userID, personaID)
	if !errors.Is(err, entitlement.ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if decision.Used != DefaultFreeMessageLimit || decision.Limit != DefaultFreeMessageLimit {
		test.Fatalf("rejection must carry the counters: %+v", decision)
	}
}

func TestCanSendCustomLimit(test *testing.T) {
	test.Parallel()
	gate := newTestGate(test, 1)
	userID, personaID := mustIdentity(test, "tight-user", "persona-kai")

	if _, err := gate.CanSend(context.Background(), userID, personaID); err != nil {
		test.Fatalf("first message: %v", err)
	}
	if _, err := gate.CanSend(context.Background(), userID, personaID); !errors.Is(err, entitlement.ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestCanSendIsolatesPersonas(test *testing.T) {
	test.Parallel()
	gate := newTestGate(test, 1)
	userID, exhausted := mustIdentity(test, "multi-user", "persona-luna")
	_, fresh := mustIdentity(test, "multi-user", "persona-kai")

	if _, err := gate.CanSend(context.Background(), userID, exhausted); err != nil {
		test.Fatalf("first message: %v", err)
	}
	if _, err := gate.CanSend(context.Background(), userID, exhausted); !errors.Is(err, entitlement.ErrQuotaExceeded) {
		test.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := gate.CanSend(context.Background(), userID, fresh); err != nil {
		test.Fatalf("fresh persona must pass: %v", err)
	}
}
