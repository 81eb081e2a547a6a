// Package entitlement owns every balance-affecting decision for an account:
// the credit ledger backing video generation, the subscription tier, and the
// per-persona free-message counters. Balances are entry-sourced: the total is
// the sum of non-hold entries, and an outstanding reservation is an active
// hold row. Reserve checks available = total - holds inside the per-account
// critical section, so the balance can never go negative and the sum of
// outstanding reservations never exceeds it.
package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit amount.
type Credits int64

// PositiveCredits is a strictly positive credit amount.
type PositiveCredits int64

// EntryCredits is a signed, non-zero ledger entry amount.
type EntryCredits int64

// UserID identifies an account owner.
type UserID struct {
	value string
}

// PersonaID identifies an AI persona a user chats with.
type PersonaID struct {
	value string
}

// ReservationID identifies a credit reservation.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Tier is the account's subscription level.
type Tier string

const (
	TierNone      Tier = "none"
	TierBasic     Tier = "basic"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// ParseTier validates a stored tier label.
func ParseTier(raw string) (Tier, error) {
	switch Tier(raw) {
	case TierNone, TierBasic, TierPro, TierUnlimited:
		return Tier(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, raw)
}

// String returns the tier label.
func (tier Tier) String() string {
	return string(tier)
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant       EntryType = "grant"
	EntryHold        EntryType = "hold"
	EntryReverseHold EntryType = "reverse_hold"
	EntrySpend       EntryType = "spend"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryGrant, EntryHold, EntryReverseHold, EntrySpend:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the entry type label.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
)

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusCaptured, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the status label.
func (status ReservationStatus) String() string {
	return string(status)
}

// Account is the stored subscription state for one user.
type Account struct {
	AccountID        string
	UserID           string
	Tier             Tier
	MessageAllowance int64
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
}

// SubscriptionActive reports whether the account's paid tier still applies.
func (account Account) SubscriptionActive(nowUnixUTC int64) bool {
	if account.Tier == TierNone {
		return false
	}
	return account.ExpiresAtUnixUTC == 0 || account.ExpiresAtUnixUTC > nowUnixUTC
}

// Entry is a single immutable line in the credit ledger.
type Entry struct {
	EntryID          string
	AccountID        string
	Type             EntryType
	AmountCredits    EntryCredits
	ReservationID    string
	IdempotencyKey   string
	ExpiresAtUnixUTC int64
	MetadataJSON     string
	CreatedUnixUTC   int64
}

// Reservation is a temporary hold against an account's spendable credits.
type Reservation struct {
	AccountID      string
	ReservationID  string
	AmountCredits  PositiveCredits
	Status         ReservationStatus
	CreatedUnixUTC int64
}

// ChatSession is the per-(account, persona) free-message counter.
type ChatSession struct {
	AccountID      string
	PersonaID      string
	MessagesUsed   int64
	QuotaExhausted bool
}

// Balance is the wallet view for an account.
type Balance struct {
	TotalCredits     Credits
	AvailableCredits Credits
	Tier             Tier
	ExpiresAtUnixUTC int64
}

// MessageDecision reports the outcome of a RecordMessage call. Limit is zero
// for unlimited allowances.
type MessageDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewPersonaID validates and normalizes a persona id.
func NewPersonaID(raw string) (PersonaID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PersonaID{}, fmt.Errorf("%w: empty value", ErrInvalidPersonaID)
	}
	return PersonaID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PersonaID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCredits validates a non-negative credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates a strictly positive credit amount.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// ToCredits widens to the non-negative amount type.
func (amount PositiveCredits) ToCredits() Credits {
	return Credits(amount)
}

// ToEntryCredits converts to a signed entry amount.
func (amount PositiveCredits) ToEntryCredits() EntryCredits {
	return EntryCredits(amount)
}

// Int64 returns the raw amount.
func (amount PositiveCredits) Int64() int64 {
	return int64(amount)
}

// NewEntryCredits validates a signed, non-zero entry amount.
func NewEntryCredits(raw int64) (EntryCredits, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must not be zero", ErrInvalidCredits)
	}
	return EntryCredits(raw), nil
}

// Negated flips the entry amount's sign.
func (amount EntryCredits) Negated() EntryCredits {
	return -amount
}

// Int64 returns the raw amount.
func (amount EntryCredits) Int64() int64 {
	return int64(amount)
}
