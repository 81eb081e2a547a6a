package entitlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/reelmuse/entitlement/pkg/catalog"
)

// Service contains the domain logic over a Store. Every balance-affecting
// operation for a given account runs under that account's mutex, so two
// concurrent reservations can never jointly overcommit a balance; operations
// on different accounts proceed in parallel.
type Service struct {
	store        Store
	pricing      *catalog.Catalog
	nowFn        func() int64
	logger       OperationLogger
	accountLocks sync.Map
}

// NewService wires a Service.
func NewService(store Store, pricing *catalog.Catalog, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricing == nil {
		return nil, fmt.Errorf("%w: pricing catalog dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, pricing: pricing, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns total and available credits (total minus active holds)
// plus the account's subscription tier and expiry. No side effects beyond
// lazy account creation.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	total, err := service.store.SumTotal(ctx, accountID, service.nowFn())
	if err != nil {
		return Balance{}, err
	}
	holds, err := service.store.SumActiveHolds(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	available, err := calculateAvailable(total, holds)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		TotalCredits:     total,
		AvailableCredits: available,
		Tier:             account.Tier,
		ExpiresAtUnixUTC: account.ExpiresAtUnixUTC,
	}, nil
}

// Reserve places a hold against the account's available credits. The balance
// itself is untouched until Commit; Release discards the hold without a debit.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount PositiveCredits, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	unlock := service.lockAccount(userID)
	defer unlock()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		total, err := transactionStore.SumTotal(ctx, accountID, nowUnixUTC)
		if err != nil {
			return err
		}
		holds, err := transactionStore.SumActiveHolds(ctx, accountID)
		if err != nil {
			return err
		}
		available, err := calculateAvailable(total, holds)
		if err != nil {
			return err
		}
		if available < amount.ToCredits() {
			return ErrInsufficientCredits
		}
		if err := transactionStore.CreateReservation(ctx, Reservation{
			AccountID:      accountID,
			ReservationID:  reservationID.String(),
			AmountCredits:  amount,
			Status:         ReservationStatusActive,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryHold,
			AmountCredits:  amount.ToEntryCredits().Negated(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: idempotencyKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        amount.ToCredits(),
		Error:         operationError,
	})
	return operationError
}

// Commit finalizes a reservation: the hold is reversed and the reserved
// amount is spent, exactly once. A resolved reservation fails with
// ErrReservationClosed, an unknown one with ErrUnknownReservation.
func (service *Service) Commit(ctx context.Context, userID UserID, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	unlock := service.lockAccount(userID)
	defer unlock()
	var reservedAmount Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
		if err != nil {
			return err
		}
		reservation, err := transactionStore.GetReservation(ctx, accountID, reservationID.String())
		if err != nil {
			return err
		}
		if reservation.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservedAmount = reservation.AmountCredits.ToCredits()
		if err := transactionStore.UpdateReservationStatus(ctx, accountID, reservationID.String(), ReservationStatusActive, ReservationStatusCaptured); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		reverseKey, err := deriveIdempotencyKey(idempotencyKey, idempotencySuffixReverse)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryReverseHold,
			AmountCredits:  reservation.AmountCredits.ToEntryCredits(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: reverseKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		spendKey, err := deriveIdempotencyKey(idempotencyKey, idempotencySuffixSpend)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntrySpend,
			AmountCredits:  reservation.AmountCredits.ToEntryCredits().Negated(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: spendKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        reservedAmount,
		Error:         operationError,
	})
	return operationError
}

// Release discards a reservation without touching the balance. Used on job
// failure and cancellation: a no-op refund, since the balance was never
// decremented.
func (service *Service) Release(ctx context.Context, userID UserID, reservationID ReservationID, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	unlock := service.lockAccount(userID)
	defer unlock()
	var reservedAmount Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
		if err != nil {
			return err
		}
		reservation, err := transactionStore.GetReservation(ctx, accountID, reservationID.String())
		if err != nil {
			return err
		}
		if reservation.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservedAmount = reservation.AmountCredits.ToCredits()
		if err := transactionStore.UpdateReservationStatus(ctx, accountID, reservationID.String(), ReservationStatusActive, ReservationStatusReleased); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			AccountID:      accountID,
			Type:           EntryReverseHold,
			AmountCredits:  reservation.AmountCredits.ToEntryCredits(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: idempotencyKey.String(),
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		UserID:        userID,
		ReservationID: reservationID,
		Amount:        reservedAmount,
		Error:         operationError,
	})
	return operationError
}

// ApplyTopUp grants the credit pack's amount to the account. The pack must
// exist and be active in the pricing catalog.
func (service *Service) ApplyTopUp(ctx context.Context, userID UserID, packID string, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	unlock := service.lockAccount(userID)
	defer unlock()
	var grantedAmount Credits
	operationError := func() error {
		pack, err := service.pricing.Pack(packID)
		if err != nil {
			return err
		}
		if !pack.Active {
			return fmt.Errorf("%w: %s", catalog.ErrInactivePack, packID)
		}
		grantedAmount = Credits(pack.CreditGrant)
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
			if err != nil {
				return err
			}
			return transactionStore.InsertEntry(ctx, Entry{
				AccountID:      accountID,
				Type:           EntryGrant,
				AmountCredits:  EntryCredits(pack.CreditGrant),
				IdempotencyKey: idempotencyKey.String(),
				MetadataJSON:   metadata.String(),
				CreatedUnixUTC: service.nowFn(),
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationTopUp,
		UserID:    userID,
		Amount:    grantedAmount,
		Error:     operationError,
	})
	return operationError
}

// ApplySubscription sets the account's tier, allowance, and expiry from the
// plan, resets the account's chat-session quota flags, and grants the plan's
// credit allotment when it carries one. Plan credits expire with the
// subscription period.
func (service *Service) ApplySubscription(ctx context.Context, userID UserID, planID string, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	unlock := service.lockAccount(userID)
	defer unlock()
	var grantedAmount Credits
	operationError := func() error {
		plan, err := service.pricing.Plan(planID)
		if err != nil {
			return err
		}
		tier, err := ParseTier(plan.Tier)
		if err != nil {
			return err
		}
		grantedAmount = Credits(plan.CreditGrant)
		return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			expiresAtUnixUTC := nowUnixUTC + int64(plan.ValidityDays)*secondsPerDay
			if err := transactionStore.UpdateSubscription(ctx, accountID, tier, plan.MessageAllowance, expiresAtUnixUTC); err != nil {
				return err
			}
			if err := transactionStore.ResetChatSessions(ctx, accountID); err != nil {
				return err
			}
			if plan.CreditGrant <= 0 {
				return nil
			}
			return transactionStore.InsertEntry(ctx, Entry{
				AccountID:        accountID,
				Type:             EntryGrant,
				AmountCredits:    EntryCredits(plan.CreditGrant),
				IdempotencyKey:   idempotencyKey.String(),
				ExpiresAtUnixUTC: expiresAtUnixUTC,
				MetadataJSON:     metadata.String(),
				CreatedUnixUTC:   nowUnixUTC,
			})
		})
	}()
	service.logOperation(ctx, OperationLog{
		Operation: operationSubscription,
		UserID:    userID,
		Amount:    grantedAmount,
		Error:     operationError,
	})
	return operationError
}

const secondsPerDay = 24 * 60 * 60

func (service *Service) lockAccount(userID UserID) func() {
	lockValue, _ := service.accountLocks.LoadOrStore(userID.String(), &sync.Mutex{})
	accountLock := lockValue.(*sync.Mutex)
	accountLock.Lock()
	return accountLock.Unlock
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(baseKey IdempotencyKey, suffix string) (IdempotencyKey, error) {
	combined := baseKey.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}

func calculateAvailable(total Credits, holds Credits) (Credits, error) {
	availableRaw := total.Int64() - holds.Int64()
	available, err := NewCredits(availableRaw)
	if err != nil {
		return 0, WrapError("service", "balance", "negative_available", ErrInvalidBalance)
	}
	return available, nil
}
