package ledger

const (
	operationCredit = "credit"
	operationDebit  = "debit"
	operationRefund = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	defaultListLimit = 20
	maxListLimit     = 200
)
