package authorizer

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/atmsim-playground/authorizer/models"
	"github.com/alovak/atmsim-playground/internal/cardgen"
	"github.com/alovak/atmsim-playground/internal/security"
)

var (
	ErrNotFound       = fmt.Errorf("not found")
	ErrInvalidPin     = fmt.Errorf("pin must be exactly 4 digits")
	ErrInvalidBIN     = fmt.Errorf("bin must be 6 digits")
	ErrUnsupportedBIN = fmt.Errorf("only card numbers starting with 4 are supported")
)

const (
	cardNumberLength    = 16
	accountNumberLength = 9
	accountPrefix       = "7"
	maxGenerateRetries  = 10
)

// Authorizer owns the accounts and cards of one issuing entity and applies
// the transaction rules. PINs are held only as cryptograms under the
// security module's master key.
type Authorizer struct {
	name             string
	keys             security.KeyService
	logger           *slog.Logger
	transactionLimit decimal.Decimal
	rand             io.Reader
	now              func() time.Time

	mu           sync.RWMutex
	wrappedKey   []byte
	accounts     map[string]*models.Account
	cards        map[string]*models.Card
	cardBodies   map[string]struct{} // card numbers without their check digit
	transactions []*models.Transaction
}

type Option func(*Authorizer)

// WithRandom injects the random source used for identifier generation, so
// account and card numbers are deterministic under test.
func WithRandom(src io.Reader) Option {
	return func(a *Authorizer) { a.rand = src }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

func New(logger *slog.Logger, name string, keys security.KeyService, transactionLimit decimal.Decimal, opts ...Option) *Authorizer {
	a := &Authorizer{
		name:             name,
		keys:             keys,
		logger:           logger.With(slog.String("authorizer", name)),
		transactionLimit: transactionLimit,
		rand:             rand.Reader,
		now:              time.Now,
		accounts:         make(map[string]*models.Account),
		cards:            make(map[string]*models.Card),
		cardBodies:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authorizer) Name() string {
	return a.name
}

// InstallKey stores the authorizer's working key in its wrapped form. The
// clear form never reaches the authorizer; PIN validation hands the wrapped
// key back to the security module.
func (a *Authorizer) InstallKey(wrappedKey []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wrappedKey = wrappedKey
}

// CreateAccount generates a unique account number with the issuer prefix.
func (a *Authorizer) CreateAccount(kind models.AccountKind, openingBalance, overdraftLimit decimal.Decimal) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	number, err := cardgen.GenerateUnique(a.rand, accountNumberLength, accountPrefix, maxGenerateRetries, func(n string) bool {
		_, ok := a.accounts[n]
		return ok
	})
	if err != nil {
		return "", fmt.Errorf("generating account number: %w", err)
	}

	a.accounts[number] = models.NewAccount(number, kind, openingBalance, overdraftLimit)
	a.logger.Info("account created", slog.String("account", number), slog.String("kind", kind.String()))
	return number, nil
}

// CreateCard issues a Luhn-valid card number under the given BIN, linked to
// an existing account. Numbers are regenerated until unique ignoring the
// check digit.
func (a *Authorizer) CreateCard(bin, accountNumber string) (string, error) {
	if len(bin) != 6 || !cardgen.IsDigits(bin) {
		return "", ErrInvalidBIN
	}
	if bin[0] != '4' {
		return "", ErrUnsupportedBIN
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.accounts[accountNumber]; !ok {
		return "", fmt.Errorf("account %s: %w", accountNumber, ErrNotFound)
	}

	body, err := cardgen.GenerateUnique(a.rand, cardNumberLength-1, bin, maxGenerateRetries, func(b string) bool {
		_, ok := a.cardBodies[b]
		return ok
	})
	if err != nil {
		return "", fmt.Errorf("generating card number: %w", err)
	}

	number := body + cardgen.LuhnCheckDigit(body)
	a.cards[number] = &models.Card{Number: number, AccountNumber: accountNumber}
	a.cardBodies[body] = struct{}{}

	a.logger.Info("card created",
		slog.String("card", cardgen.MaskPAN(number)),
		slog.String("account", accountNumber))
	return number, nil
}

// AssignPin stores the PIN as a cryptogram under the master key. The PIN is
// never persisted in cleartext.
func (a *Authorizer) AssignPin(cardNumber, pin string) error {
	if len(pin) != 4 || !cardgen.IsDigits(pin) {
		return ErrInvalidPin
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	card, ok := a.cards[cardNumber]
	if !ok {
		return fmt.Errorf("card %s: %w", cardgen.MaskPAN(cardNumber), ErrNotFound)
	}

	cryptogram, err := a.keys.EncryptPinUnderMasterKey(pin)
	if err != nil {
		return fmt.Errorf("encrypting pin: %w", err)
	}

	card.PinCryptogram = cryptogram
	return nil
}

func (a *Authorizer) BlockCard(cardNumber string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	card, ok := a.cards[cardNumber]
	if !ok {
		return fmt.Errorf("card %s: %w", cardgen.MaskPAN(cardNumber), ErrNotFound)
	}
	card.Blocked = true
	return nil
}

func (a *Authorizer) IsCardBlocked(cardNumber string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	card, ok := a.cards[cardNumber]
	if !ok {
		return false, fmt.Errorf("card %s: %w", cardgen.MaskPAN(cardNumber), ErrNotFound)
	}
	return card.Blocked, nil
}

// ConsultBalance validates the card and PIN, then returns the linked
// account's balance. The blocked flag is not checked for inquiries.
func (a *Authorizer) ConsultBalance(cardNumber string, pinCryptogram []byte) models.TransactionResult {
	card, _, code := a.validate(cardNumber, pinCryptogram)
	if code != models.Approved {
		return a.record(models.KindBalanceInquiry, cardNumber, decimal.Zero, models.Declined(code))
	}

	account := a.accountFor(card)
	return a.record(models.KindBalanceInquiry, cardNumber, decimal.Zero, models.TransactionResult{
		Code:    models.Approved,
		Balance: account.Balance(),
	})
}

// AuthorizeWithdrawal validates the card and PIN, applies the withdrawal
// rules in order (blocked card, savings balance, per-transaction ceiling,
// overdraft floor) and debits the account on success.
func (a *Authorizer) AuthorizeWithdrawal(cardNumber string, amount decimal.Decimal, pinCryptogram []byte) models.TransactionResult {
	card, blocked, code := a.validate(cardNumber, pinCryptogram)
	if code != models.Approved {
		return a.record(models.KindWithdrawal, cardNumber, amount, models.Declined(code))
	}
	if blocked {
		return a.record(models.KindWithdrawal, cardNumber, amount, models.Declined(models.CardBlocked))
	}

	account := a.accountFor(card)
	balance, err := account.Withdraw(amount, a.transactionLimit)
	switch {
	case errors.Is(err, models.ErrInsufficientFunds):
		return a.record(models.KindWithdrawal, cardNumber, amount, models.Declined(models.InsufficientFunds))
	case errors.Is(err, models.ErrTransactionLimitExceeded):
		return a.record(models.KindWithdrawal, cardNumber, amount, models.Declined(models.TransactionLimitExceeded))
	case err != nil:
		a.logger.Error("withdrawal failed", "err", err)
		return a.record(models.KindWithdrawal, cardNumber, amount, models.Declined(models.InsufficientFunds))
	}

	return a.record(models.KindWithdrawal, cardNumber, amount, models.TransactionResult{
		Code:             models.Approved,
		AuthorizedAmount: amount,
		Balance:          balance,
	})
}

// ListTransactions returns the journal entries recorded for an account.
func (a *Authorizer) ListTransactions(accountNumber string) []*models.Transaction {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []*models.Transaction
	for _, t := range a.transactions {
		if t.AccountNumber == accountNumber {
			out = append(out, t)
		}
	}
	return out
}

// validate runs the shared preamble: the card must exist, have a PIN
// assigned and the candidate cryptogram must match. A missing PIN and a
// mismatched PIN both resolve to IncorrectPin so the caller cannot tell
// which check failed. The blocked flag is captured under the lock, since
// BlockCard may flip it while an authorization is in flight.
func (a *Authorizer) validate(cardNumber string, pinCryptogram []byte) (card *models.Card, blocked bool, code models.ResponseCode) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	card, ok := a.cards[cardNumber]
	if !ok {
		return nil, false, models.CardNotRecognized
	}
	if card.PinCryptogram == nil || a.wrappedKey == nil {
		return nil, false, models.IncorrectPin
	}

	valid, err := a.keys.ValidatePin(pinCryptogram, a.wrappedKey, card.PinCryptogram)
	if err != nil {
		a.logger.Error("pin validation failed", slog.String("card", cardgen.MaskPAN(cardNumber)), "err", err)
		return nil, false, models.IncorrectPin
	}
	if !valid {
		return nil, false, models.IncorrectPin
	}
	return card, card.Blocked, models.Approved
}

func (a *Authorizer) accountFor(card *models.Card) *models.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accounts[card.AccountNumber]
}

func (a *Authorizer) record(kind models.TransactionKind, cardNumber string, amount decimal.Decimal, result models.TransactionResult) models.TransactionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	accountNumber := ""
	if card, ok := a.cards[cardNumber]; ok {
		accountNumber = card.AccountNumber
	}
	a.transactions = append(a.transactions, &models.Transaction{
		ID:            uuid.New().String(),
		Kind:          kind,
		AccountNumber: accountNumber,
		CardNumber:    cardgen.MaskPAN(cardNumber),
		Amount:        amount,
		Code:          result.Code,
		CreatedAt:     a.now(),
	})
	return result
}
