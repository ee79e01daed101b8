package atmswitch

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slog"

	"github.com/alovak/atmsim-playground/authorizer/models"
	"github.com/alovak/atmsim-playground/internal/cardgen"
	"github.com/alovak/atmsim-playground/internal/security"
)

var (
	ErrAlreadyRegistered = fmt.Errorf("already registered")
	ErrNotRegistered     = fmt.Errorf("not registered")
	ErrInvalidBINPrefix  = fmt.Errorf("bin prefix must be 1..18 digits")
	ErrEmptyKeySequence  = fmt.Errorf("key sequence is required")
)

type TransactionKind int

const (
	Withdrawal TransactionKind = iota
	BalanceInquiry
)

// OpKeyConfig maps one keypad sequence to a transaction kind. FixedAmount
// substitutes for a zero request amount (fast-cash keys); zero means none.
type OpKeyConfig struct {
	KeySequence string
	Kind        TransactionKind
	Receipt     bool
	FixedAmount int64
}

// Terminal is the switch's view of an ATM. Reset tells the terminal to
// clear its local key state when it is unregistered.
type Terminal interface {
	Name() string
	Reset()
}

// Authorizer is the switch's view of an issuing host.
type Authorizer interface {
	Name() string
	AuthorizeWithdrawal(cardNumber string, amount decimal.Decimal, pinCryptogram []byte) models.TransactionResult
	ConsultBalance(cardNumber string, pinCryptogram []byte) models.TransactionResult
}

// Customer-facing screen texts. Every failure path resolves to exactly one
// of these; routing internals are never shown on a terminal.
const (
	msgGenericFailure = "Sorry, we cannot process your transaction right now.\n\n" +
		"Please try again later..."
	msgTryAgainLater     = "Your transaction cannot be processed. Please try again later."
	msgInvalidAmount     = "Invalid withdrawal amount"
	msgDispensing        = "Please wait while your cash is dispensed"
	msgRemoveCard        = "Please remove your card"
	msgPrintingReceipt   = "Printing your receipt"
	msgInsufficientFunds = "Your account balance is insufficient for this withdrawal"
	msgIncorrectPin      = "Incorrect PIN"
	msgCardNotRecognized = "Card not recognized"
	msgCardBlocked       = "Your card appears to be blocked. Please contact your branch..."
	msgLimitExceeded     = "The requested amount exceeds the per-transaction limit"
)

// Switch routes terminal requests to authorizers by card prefix and
// translates authorization results into terminal command sequences. It
// holds only wrapped key material; clear working keys never reach it.
type Switch struct {
	keys   security.KeyService
	logger *slog.Logger
	now    func() time.Time

	mu             sync.RWMutex
	terminals      map[string]Terminal
	terminalKeys   map[string][]byte
	authorizers    map[string]Authorizer
	authorizerKeys map[string][]byte
	routes         map[string]string // bin prefix -> authorizer name
	opKeys         map[string]OpKeyConfig
}

type Option func(*Switch)

func WithClock(now func() time.Time) Option {
	return func(s *Switch) { s.now = now }
}

func New(logger *slog.Logger, keys security.KeyService, opts ...Option) *Switch {
	s := &Switch{
		keys:           keys,
		logger:         logger.With(slog.String("app", "atmswitch")),
		now:            time.Now,
		terminals:      make(map[string]Terminal),
		terminalKeys:   make(map[string][]byte),
		authorizers:    make(map[string]Authorizer),
		authorizerKeys: make(map[string][]byte),
		routes:         make(map[string]string),
		opKeys:         make(map[string]OpKeyConfig),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Switch) RegisterTerminal(terminal Terminal, wrappedKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := terminal.Name()
	if _, ok := s.terminals[name]; ok {
		return fmt.Errorf("terminal %s: %w", name, ErrAlreadyRegistered)
	}
	s.terminals[name] = terminal
	s.terminalKeys[name] = wrappedKey

	s.logger.Info("terminal registered", slog.String("terminal", name))
	return nil
}

// UnregisterTerminal removes a terminal and signals it to clear its local
// key state.
func (s *Switch) UnregisterTerminal(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal, ok := s.terminals[name]
	if !ok {
		return fmt.Errorf("terminal %s: %w", name, ErrNotRegistered)
	}
	terminal.Reset()
	delete(s.terminals, name)
	delete(s.terminalKeys, name)

	s.logger.Info("terminal unregistered", slog.String("terminal", name))
	return nil
}

func (s *Switch) RegisterAuthorizer(auth Authorizer, wrappedKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := auth.Name()
	if _, ok := s.authorizers[name]; ok {
		return fmt.Errorf("authorizer %s: %w", name, ErrAlreadyRegistered)
	}
	s.authorizers[name] = auth
	s.authorizerKeys[name] = wrappedKey

	s.logger.Info("authorizer registered", slog.String("authorizer", name))
	return nil
}

func (s *Switch) UnregisterAuthorizer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorizers[name]; !ok {
		return fmt.Errorf("authorizer %s: %w", name, ErrNotRegistered)
	}
	delete(s.authorizers, name)
	delete(s.authorizerKeys, name)

	s.logger.Info("authorizer unregistered", slog.String("authorizer", name))
	return nil
}

// AddRoute points a card number prefix at a registered authorizer. Adding a
// prefix that already exists replaces its destination.
func (s *Switch) AddRoute(binPrefix, authorizerName string) error {
	if l := len(binPrefix); l < 1 || l > 18 || !cardgen.IsDigits(binPrefix) {
		return ErrInvalidBINPrefix
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.authorizers[authorizerName]; !ok {
		return fmt.Errorf("authorizer %s: %w", authorizerName, ErrNotRegistered)
	}
	s.routes[binPrefix] = authorizerName
	return nil
}

// AddOpKeyConfig upserts the config for its key sequence.
func (s *Switch) AddOpKeyConfig(cfg OpKeyConfig) error {
	if cfg.KeySequence == "" {
		return ErrEmptyKeySequence
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.opKeys[cfg.KeySequence] = cfg
	return nil
}

// Authorize runs one transaction end to end: resolve the key sequence and
// the destination authorizer, translate the PIN cryptogram between working
// keys, dispatch by transaction kind and map the result to terminal
// commands. It always returns a non-empty command list; failures surface as
// a single error screen, never as an error to the terminal.
func (s *Switch) Authorize(terminalName, keySequence, cardNumber string, amount int64, pinCryptogram []byte) []Command {
	s.mu.RLock()

	cfg, ok := s.opKeys[keySequence]
	if !ok {
		s.mu.RUnlock()
		s.logger.Warn("unknown key sequence", slog.String("sequence", keySequence))
		return genericFailure()
	}

	authorizerName, ok := s.resolveRoute(cardNumber)
	if !ok {
		s.mu.RUnlock()
		s.logger.Warn("no route for card", slog.String("card", cardgen.MaskPAN(cardNumber)))
		return genericFailure()
	}
	auth, ok := s.authorizers[authorizerName]
	if !ok {
		s.mu.RUnlock()
		s.logger.Warn("route to unregistered authorizer", slog.String("authorizer", authorizerName))
		return genericFailure()
	}

	terminalKey, okTerminal := s.terminalKeys[terminalName]
	authorizerKey, okAuthorizer := s.authorizerKeys[authorizerName]
	s.mu.RUnlock()

	if !okTerminal || !okAuthorizer {
		s.logger.Warn("missing key material",
			slog.String("terminal", terminalName),
			slog.String("authorizer", authorizerName))
		return genericFailure()
	}

	translated, err := s.keys.TranslatePin(pinCryptogram, terminalKey, authorizerKey)
	if err != nil {
		s.logger.Error("pin translation failed", slog.String("terminal", terminalName), "err", err)
		return genericFailure()
	}

	switch cfg.Kind {
	case Withdrawal:
		return s.authorizeWithdrawal(terminalName, cardNumber, amount, translated, auth, cfg)
	case BalanceInquiry:
		return s.authorizeBalanceInquiry(cardNumber, translated, auth)
	default:
		return genericFailure()
	}
}

func (s *Switch) authorizeWithdrawal(terminalName, cardNumber string, amount int64, pinCryptogram []byte, auth Authorizer, cfg OpKeyConfig) []Command {
	if amount == 0 {
		amount = cfg.FixedAmount
	}
	if amount <= 0 {
		return []Command{ShowScreen{Text: msgInvalidAmount, IsError: true}}
	}

	result := auth.AuthorizeWithdrawal(cardNumber, decimal.NewFromInt(amount), pinCryptogram)

	switch result.Code {
	case models.Approved:
		commands := []Command{
			ShowScreen{Text: msgDispensing},
			DispenseCash{Amount: result.AuthorizedAmount},
			ShowScreen{Text: msgRemoveCard},
			ReturnCard{},
		}
		if cfg.Receipt {
			commands = append(commands,
				ShowScreen{Text: msgPrintingReceipt},
				PrintReceipt{Text: s.receiptText(terminalName, result)},
			)
		}
		return commands
	case models.InsufficientFunds:
		return []Command{ShowScreen{Text: msgInsufficientFunds, IsError: true}}
	case models.IncorrectPin:
		return []Command{ShowScreen{Text: msgIncorrectPin, IsError: true}}
	case models.CardNotRecognized:
		return []Command{ShowScreen{Text: msgCardNotRecognized, IsError: true}}
	case models.CardBlocked:
		return []Command{ShowScreen{Text: msgCardBlocked, IsError: true}}
	case models.TransactionLimitExceeded:
		return []Command{ShowScreen{Text: msgLimitExceeded, IsError: true}}
	default:
		return []Command{ShowScreen{Text: msgTryAgainLater, IsError: true}}
	}
}

func (s *Switch) authorizeBalanceInquiry(cardNumber string, pinCryptogram []byte, auth Authorizer) []Command {
	result := auth.ConsultBalance(cardNumber, pinCryptogram)

	switch result.Code {
	case models.Approved:
		return []Command{ShowScreen{Text: fmt.Sprintf("Your current balance is: %s", result.Balance)}}
	case models.IncorrectPin:
		return []Command{ShowScreen{Text: msgIncorrectPin, IsError: true}}
	case models.CardNotRecognized:
		return []Command{ShowScreen{Text: msgCardNotRecognized, IsError: true}}
	default:
		return []Command{ShowScreen{Text: msgTryAgainLater, IsError: true}}
	}
}

// resolveRoute finds the destination for a card number by longest matching
// prefix; equal-length candidates tie-break on destination name ascending.
// Callers must hold at least a read lock.
func (s *Switch) resolveRoute(cardNumber string) (string, bool) {
	best, found := "", false
	bestLen := -1
	for prefix, destination := range s.routes {
		if len(prefix) > len(cardNumber) || cardNumber[:len(prefix)] != prefix {
			continue
		}
		if len(prefix) > bestLen || (len(prefix) == bestLen && destination < best) {
			best, bestLen, found = destination, len(prefix), true
		}
	}
	return best, found
}

func (s *Switch) receiptText(terminalName string, result models.TransactionResult) string {
	return fmt.Sprintf("Date: %s\nATM: %s\nAmount Withdrawn: %s\nCurrent Balance: %s",
		s.now().Format("2006-01-02 15:04"),
		terminalName,
		result.AuthorizedAmount,
		result.Balance)
}

func genericFailure() []Command {
	return []Command{ShowScreen{Text: msgGenericFailure, IsError: true}}
}
