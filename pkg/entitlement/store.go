package entitlement

import "context"

// Store is the persistence contract used by Service. Implementations must
// surface ErrUnknownReservation, ErrReservationExists,
// ErrDuplicateIdempotencyKey, and ErrNotFound (wrapped is fine) from the
// corresponding operations so domain callers can match them with errors.Is.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID string) (string, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	UpdateSubscription(ctx context.Context, accountID string, tier Tier, messageAllowance int64, expiresAtUnixUTC int64) error
	InsertEntry(ctx context.Context, entry Entry) error
	SumTotal(ctx context.Context, accountID string, atUnixUTC int64) (Credits, error)
	SumActiveHolds(ctx context.Context, accountID string) (Credits, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, accountID string, reservationID string) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, accountID string, reservationID string, from, to ReservationStatus) error
	GetOrCreateChatSession(ctx context.Context, accountID string, personaID string) (ChatSession, error)
	IncrementChatSession(ctx context.Context, accountID string, personaID string) (int64, error)
	MarkChatSessionExhausted(ctx context.Context, accountID string, personaID string) error
	ResetChatSessions(ctx context.Context, accountID string) error
	ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]Entry, error)
}
