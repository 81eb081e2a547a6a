// Package gormstore persists the entitlement ledger and job records through
// GORM, against SQLite for development and Postgres in production.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelmuse/entitlement/pkg/entitlement"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintReservationPrimary  = "reservations_pkey"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectReservation       = "reservation"
	errorSubjectSession           = "chat_session"
	errorSubjectSubscription      = "subscription"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeIncrement            = "increment"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeReset                = "reset"
	errorCodeSumActiveHolds       = "sum_active_holds"
	errorCodeSumTotal             = "sum_total"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements entitlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema. Intended for SQLite and tests;
// production Postgres is migrated out of band.
func (store *Store) AutoMigrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &Reservation{}, &ChatSession{}, &VideoJob{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID string) (string, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		Where(Account{UserID: userID}).
		Attrs(Account{Tier: entitlement.TierNone.String(), CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&account).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account.AccountID, nil
}

func (store *Store) GetAccount(ctx context.Context, accountID string) (entitlement.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, entitlement.ErrNotFound)
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) UpdateSubscription(ctx context.Context, accountID string, tier entitlement.Tier, messageAllowance int64, expiresAtUnixUTC int64) error {
	var expiresAt *time.Time
	if expiresAtUnixUTC != 0 {
		value := time.Unix(expiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"tier":                    tier.String(),
			"message_allowance":       messageAllowance,
			"subscription_expires_at": expiresAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdate, entitlement.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput entitlement.Entry) error {
	var expiresAt *time.Time
	if entryInput.ExpiresAtUnixUTC != 0 {
		value := time.Unix(entryInput.ExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	var reservationID *string
	if entryInput.ReservationID != "" {
		value := entryInput.ReservationID
		reservationID = &value
	}
	entry := LedgerEntry{
		EntryID:        entryInput.EntryID,
		AccountID:      entryInput.AccountID,
		Type:           entryInput.Type.String(),
		AmountCredits:  entryInput.AmountCredits.Int64(),
		ReservationID:  reservationID,
		IdempotencyKey: entryInput.IdempotencyKey,
		ExpiresAt:      expiresAt,
		Metadata:       datatypesJSON(entryInput.MetadataJSON),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, entitlement.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumTotal(ctx context.Context, accountID string, atUnixUTC int64) (entitlement.Credits, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ?", accountID).
		Where("type not in ('hold','reverse_hold')").
		Where("(expires_at is null or expires_at > ?)", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	total, err := entitlement.NewCredits(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return total, nil
}

func (store *Store) SumActiveHolds(ctx context.Context, accountID string) (entitlement.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(amount_credits),0) as total").
		Where("account_id = ? AND status = ?", accountID, entitlement.ReservationStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActiveHolds, err)
	}
	activeHolds, err := entitlement.NewCredits(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return activeHolds, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation entitlement.Reservation) error {
	model := Reservation{
		AccountID:     reservation.AccountID,
		ReservationID: reservation.ReservationID,
		AmountCredits: reservation.AmountCredits.Int64(),
		Status:        reservation.Status.String(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isReservationConflict(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, entitlement.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, accountID string, reservationID string) (entitlement.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ? AND reservation_id = ?", accountID, reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, entitlement.ErrUnknownReservation)
		}
		return entitlement.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	amount, err := entitlement.NewPositiveCredits(model.AmountCredits)
	if err != nil {
		return entitlement.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	status, err := entitlement.ParseReservationStatus(model.Status)
	if err != nil {
		return entitlement.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return entitlement.Reservation{
		AccountID:      model.AccountID,
		ReservationID:  model.ReservationID,
		AmountCredits:  amount,
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, accountID string, reservationID string, from, to entitlement.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("account_id = ? AND reservation_id = ? AND status = ?", accountID, reservationID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, entitlement.ErrReservationClosed)
	}
	return nil
}

func (store *Store) GetOrCreateChatSession(ctx context.Context, accountID string, personaID string) (entitlement.ChatSession, error) {
	var session ChatSession
	err := store.db.WithContext(ctx).
		Where(ChatSession{AccountID: accountID, PersonaID: personaID}).
		Attrs(ChatSession{CreatedAt: time.Now().UTC()}).
		FirstOrCreate(&session).Error
	if err != nil {
		return entitlement.ChatSession{}, wrapStoreError(errorSubjectSession, errorCodeLookup, err)
	}
	return entitlement.ChatSession{
		AccountID:      session.AccountID,
		PersonaID:      session.PersonaID,
		MessagesUsed:   session.MessagesUsed,
		QuotaExhausted: session.QuotaExhausted,
	}, nil
}

func (store *Store) IncrementChatSession(ctx context.Context, accountID string, personaID string) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("account_id = ? AND persona_id = ?", accountID, personaID).
		Update("messages_used", gorm.Expr("messages_used + 1"))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectSession, errorCodeIncrement, entitlement.ErrNotFound)
	}
	var session ChatSession
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND persona_id = ?", accountID, personaID).
		Take(&session).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectSession, errorCodeGet, err)
	}
	return session.MessagesUsed, nil
}

func (store *Store) MarkChatSessionExhausted(ctx context.Context, accountID string, personaID string) error {
	err := store.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("account_id = ? AND persona_id = ?", accountID, personaID).
		Update("quota_exhausted", true).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ResetChatSessions(ctx context.Context, accountID string) error {
	err := store.db.WithContext(ctx).
		Model(&ChatSession{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"messages_used":   0,
			"quota_exhausted": false,
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectSession, errorCodeReset, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, beforeUnixUTC int64, limit int) ([]entitlement.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]entitlement.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) (entitlement.Account, error) {
	tier, err := entitlement.ParseTier(row.Tier)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return entitlement.Account{
		AccountID:        row.AccountID,
		UserID:           row.UserID,
		Tier:             tier,
		MessageAllowance: row.MessageAllowance,
		ExpiresAtUnixUTC: timeOrZero(row.SubscriptionExpiresAt),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (entitlement.Entry, error) {
	entryType, err := entitlement.ParseEntryType(row.Type)
	if err != nil {
		return entitlement.Entry{}, err
	}
	amount, err := entitlement.NewEntryCredits(row.AmountCredits)
	if err != nil {
		return entitlement.Entry{}, err
	}
	var reservationID string
	if row.ReservationID != nil {
		reservationID = *row.ReservationID
	}
	return entitlement.Entry{
		EntryID:          row.EntryID,
		AccountID:        row.AccountID,
		Type:             entryType,
		AmountCredits:    amount,
		ReservationID:    reservationID,
		IdempotencyKey:   row.IdempotencyKey,
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
		MetadataJSON:     string(row.Metadata),
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isReservationConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
