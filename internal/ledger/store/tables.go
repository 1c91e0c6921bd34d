package store

// Attribute names shared by the ledger and every backend.
const (
	AttrIdempotencyKey = "idempotencyKey"
	AttrCorrelationID  = "correlationId"
	AttrAmount         = "amountMinorUnits"
	AttrStatus         = "status"
	AttrCreatedAt      = "createdAt"
	AttrCompletedAt    = "completedAt"
	AttrExternalRef    = "externalRef"
	AttrFailureReason  = "failureReason"
	AttrTTL            = "ttl"

	AttrTransactionID = "transactionId"
	AttrStepID        = "stepId"
	AttrAction        = "action"
	AttrTimestamp     = "timestamp"
)

// CorrelationIndex is the secondary index over saga steps by correlation id.
const CorrelationIndex = "correlationId-index"

// PaymentsIdempotency holds one row per idempotency key.
var PaymentsIdempotency = Table{
	Name:          "PaymentsIdempotency",
	PartitionAttr: AttrIdempotencyKey,
	TTLAttr:       AttrTTL,
}

// SagaTransactions holds one row per (transactionId, stepId).
var SagaTransactions = Table{
	Name:          "SagaTransactions",
	PartitionAttr: AttrTransactionID,
	SortAttr:      AttrStepID,
	TTLAttr:       AttrTTL,
	Indexes: []Index{{
		Name:          CorrelationIndex,
		PartitionAttr: AttrCorrelationID,
		SortAttr:      AttrTimestamp,
	}},
}
