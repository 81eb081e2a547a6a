// Package chatgate decides whether a chat message may be forwarded to the
// external AI responder. It performs no purchase logic: on a quota rejection
// the caller routes the user toward a top-up or subscription.
package chatgate

import (
	"context"
	"fmt"

	"github.com/reelmuse/entitlement/pkg/entitlement"
)

// DefaultFreeMessageLimit is the free-tier allowance per (account, persona)
// session.
const DefaultFreeMessageLimit = 3

// Gate enforces the free-message quota by consulting the entitlement ledger.
type Gate struct {
	ledger    *entitlement.Service
	freeLimit int64
}

// New wires a Gate. A non-positive freeLimit falls back to the default.
func New(ledger *entitlement.Service, freeLimit int64) (*Gate, error) {
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", entitlement.ErrInvalidServiceConfig)
	}
	if freeLimit <= 0 {
		freeLimit = DefaultFreeMessageLimit
	}
	return &Gate{ledger: ledger, freeLimit: freeLimit}, nil
}

// CanSend records the message attempt against the (account, persona) session.
// Exhausting one persona's quota does not affect another's. The decision is
// populated even when the error is entitlement.ErrQuotaExceeded, so callers
// can render the used/limit counters.
func (gate *Gate) CanSend(ctx context.Context, userID entitlement.UserID, personaID entitlement.PersonaID) (entitlement.MessageDecision, error) {
	return gate.ledger.RecordMessage(ctx, userID, personaID, gate.freeLimit)
}
