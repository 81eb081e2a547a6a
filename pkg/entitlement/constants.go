package entitlement

const (
	operationTopUp        = "top_up"
	operationSubscription = "subscription"
	operationReserve      = "reserve"
	operationCommit       = "commit"
	operationRelease      = "release"
	operationMessage      = "message"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixReverse = "reverse"
	idempotencySuffixSpend   = "spend"
)
