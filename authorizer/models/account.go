package models

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

type AccountKind int

const (
	Savings AccountKind = iota
	Checking
)

func (k AccountKind) String() string {
	switch k {
	case Savings:
		return "savings"
	case Checking:
		return "checking"
	default:
		return fmt.Sprintf("AccountKind(%d)", int(k))
	}
}

var (
	ErrInsufficientFunds        = fmt.Errorf("insufficient funds")
	ErrTransactionLimitExceeded = fmt.Errorf("transaction limit exceeded")
)

// Account holds one customer balance. Balances are exact decimals; the
// overdraft floor is stored non-positive and is always zero for savings
// accounts, so a savings balance can never go negative.
type Account struct {
	Number string
	Kind   AccountKind

	mu             sync.Mutex
	balance        decimal.Decimal
	overdraftFloor decimal.Decimal
}

func NewAccount(number string, kind AccountKind, openingBalance, overdraftLimit decimal.Decimal) *Account {
	floor := decimal.Zero
	if kind == Checking {
		floor = overdraftLimit.Abs().Neg()
	}
	return &Account{
		Number:         number,
		Kind:           kind,
		balance:        openingBalance,
		overdraftFloor: floor,
	}
}

func (a *Account) Balance() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// OverdraftFloor is fixed at construction and needs no locking.
func (a *Account) OverdraftFloor() decimal.Decimal {
	return a.overdraftFloor
}

// Withdraw applies the withdrawal rules and debits the balance in one
// critical section, so concurrent withdrawals against the same account
// serialize and no update is lost. Rule order: savings balance check,
// per-transaction ceiling, overdraft floor.
func (a *Account) Withdraw(amount, transactionLimit decimal.Decimal) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Kind == Savings && a.balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if amount.GreaterThan(transactionLimit) {
		return decimal.Zero, ErrTransactionLimitExceeded
	}
	if a.Kind == Checking && a.balance.Sub(amount).LessThan(a.overdraftFloor) {
		return decimal.Zero, ErrInsufficientFunds
	}

	a.balance = a.balance.Sub(amount)
	return a.balance, nil
}
