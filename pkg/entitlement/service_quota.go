package entitlement

import (
	"context"
	"fmt"
)

// RecordMessage increments the (account, persona) session counter when the
// tier or allowance covers it, and returns ErrQuotaExceeded without
// incrementing otherwise. freeLimit is the free-tier allowance applied when
// no active subscription raises it; an unlimited tier always passes. The
// counter is monotonic and resets only through ApplySubscription.
func (service *Service) RecordMessage(ctx context.Context, userID UserID, personaID PersonaID, freeLimit int64) (MessageDecision, error) {
	if freeLimit <= 0 {
		return MessageDecision{}, fmt.Errorf("%w: free message limit must be positive", ErrInvalidServiceConfig)
	}
	unlock := service.lockAccount(userID)
	defer unlock()
	var decision MessageDecision
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID.String())
		if err != nil {
			return err
		}
		account, err := transactionStore.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		session, err := transactionStore.GetOrCreateChatSession(ctx, accountID, personaID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if account.SubscriptionActive(nowUnixUTC) && account.Tier == TierUnlimited {
			used, err := transactionStore.IncrementChatSession(ctx, accountID, personaID.String())
			if err != nil {
				return err
			}
			decision = MessageDecision{Allowed: true, Used: used}
			return nil
		}
		allowance := freeLimit
		if account.SubscriptionActive(nowUnixUTC) && account.Tier != TierNone && account.MessageAllowance > 0 {
			allowance = account.MessageAllowance
		}
		if session.MessagesUsed >= allowance {
			decision = MessageDecision{Allowed: false, Used: session.MessagesUsed, Limit: allowance}
			return transactionStore.MarkChatSessionExhausted(ctx, accountID, personaID.String())
		}
		used, err := transactionStore.IncrementChatSession(ctx, accountID, personaID.String())
		if err != nil {
			return err
		}
		decision = MessageDecision{Allowed: true, Used: used, Limit: allowance}
		return nil
	})
	if operationError == nil && !decision.Allowed {
		operationError = ErrQuotaExceeded
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationMessage,
		UserID:    userID,
		PersonaID: personaID,
		Error:     operationError,
	})
	if operationError != nil {
		return decision, operationError
	}
	return decision, nil
}

// Entries lists ledger entries for a user before a cutoff time, newest first.
func (service *Service) Entries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID.String())
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}
