package ledger

const (
	operationCredit = "credit"
	operationDebit  = "debit"
	operationRefund = "refund"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"
	operationStatusSkipped   = "skipped"
)
