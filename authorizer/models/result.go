package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResponseCode is the closed set of authorization outcomes. The numeric
// values follow the issuer host convention used on the wire.
type ResponseCode int

const (
	Approved                 ResponseCode = 0
	CardBlocked              ResponseCode = 49
	TransactionLimitExceeded ResponseCode = 50
	InsufficientFunds        ResponseCode = 51
	IncorrectPin             ResponseCode = 55
	CardNotRecognized        ResponseCode = 56
)

func (c ResponseCode) String() string {
	switch c {
	case Approved:
		return "approved"
	case CardBlocked:
		return "card blocked"
	case TransactionLimitExceeded:
		return "transaction limit exceeded"
	case InsufficientFunds:
		return "insufficient funds"
	case IncorrectPin:
		return "incorrect pin"
	case CardNotRecognized:
		return "card not recognized"
	default:
		return "unknown"
	}
}

// TransactionResult is the typed outcome of an authorization. On Approved,
// AuthorizedAmount and Balance carry the debited amount (zero for a balance
// inquiry) and the account balance after the operation.
type TransactionResult struct {
	Code             ResponseCode
	AuthorizedAmount decimal.Decimal
	Balance          decimal.Decimal
}

func Declined(code ResponseCode) TransactionResult {
	return TransactionResult{Code: code}
}

type TransactionKind string

const (
	KindWithdrawal     TransactionKind = "withdrawal"
	KindBalanceInquiry TransactionKind = "balance_inquiry"
)

// Transaction is one journal entry recorded per authorization attempt.
type Transaction struct {
	ID            string
	Kind          TransactionKind
	AccountNumber string
	CardNumber    string // masked
	Amount        decimal.Decimal
	Code          ResponseCode
	CreatedAt     time.Time
}
