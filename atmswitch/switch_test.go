package atmswitch_test

import (
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/alovak/atmsim-playground/atmswitch"
	"github.com/alovak/atmsim-playground/authorizer"
	"github.com/alovak/atmsim-playground/authorizer/models"
	"github.com/alovak/atmsim-playground/internal/security"
)

func newLogger() *slog.Logger {
	return slog.New(slog.HandlerOptions{}.NewTextHandler(io.Discard))
}

type fakeTerminal struct {
	name      string
	resetDone bool
}

func (f *fakeTerminal) Name() string { return f.name }
func (f *fakeTerminal) Reset()       { f.resetDone = true }

// fakeAuthorizer records the calls it receives and answers with canned
// results.
type fakeAuthorizer struct {
	name        string
	result      models.TransactionResult
	withdrawals []decimal.Decimal
	inquiries   int
}

func (f *fakeAuthorizer) Name() string { return f.name }

func (f *fakeAuthorizer) AuthorizeWithdrawal(cardNumber string, amount decimal.Decimal, pinCryptogram []byte) models.TransactionResult {
	f.withdrawals = append(f.withdrawals, amount)
	return f.result
}

func (f *fakeAuthorizer) ConsultBalance(cardNumber string, pinCryptogram []byte) models.TransactionResult {
	f.inquiries++
	return f.result
}

type network struct {
	hsm           *security.HSM
	sw            *atmswitch.Switch
	auth          *authorizer.Authorizer
	terminal      *fakeTerminal
	terminalClear []byte
	account       string
	card          string
	pin           []byte // encrypted under the terminal's working key
}

// newNetwork wires a switch, a real authorizer and a registered terminal
// the way the simulator boots them, with deterministic time.
func newNetwork(t *testing.T) *network {
	t.Helper()

	hsm, err := security.NewHSM()
	require.NoError(t, err)

	fixed := time.Date(2023, 5, 12, 14, 30, 0, 0, time.UTC)
	sw := atmswitch.New(newLogger(), hsm, atmswitch.WithClock(func() time.Time { return fixed }))

	auth := authorizer.New(newLogger(), "AutDB", hsm, decimal.NewFromInt(10_000))
	authorizerKey, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	auth.InstallKey(authorizerKey.Wrapped)
	require.NoError(t, sw.RegisterAuthorizer(auth, authorizerKey.Wrapped))
	require.NoError(t, sw.AddRoute("459413", "AutDB"))

	terminal := &fakeTerminal{name: "AJP001"}
	terminalKey, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	require.NoError(t, sw.RegisterTerminal(terminal, terminalKey.Wrapped))

	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "AAA", Kind: atmswitch.Withdrawal, Receipt: true}))
	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "AAC", Kind: atmswitch.Withdrawal}))
	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "B", Kind: atmswitch.BalanceInquiry}))
	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "C1", Kind: atmswitch.Withdrawal, FixedAmount: 500}))

	account, err := auth.CreateAccount(models.Savings, decimal.NewFromInt(20_000), decimal.Zero)
	require.NoError(t, err)
	card, err := auth.CreateCard("459413", account)
	require.NoError(t, err)
	require.NoError(t, auth.AssignPin(card, "1234"))

	pin, err := security.EncryptPinBlock(terminalKey.Clear, "1234")
	require.NoError(t, err)

	return &network{
		hsm:           hsm,
		sw:            sw,
		auth:          auth,
		terminal:      terminal,
		terminalClear: terminalKey.Clear,
		account:       account,
		card:          card,
		pin:           pin,
	}
}

func TestWithdrawalEndToEnd(t *testing.T) {
	n := newNetwork(t)

	commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 200, n.pin)

	require.Equal(t, []atmswitch.Command{
		atmswitch.ShowScreen{Text: "Please wait while your cash is dispensed"},
		atmswitch.DispenseCash{Amount: decimal.NewFromInt(200)},
		atmswitch.ShowScreen{Text: "Please remove your card"},
		atmswitch.ReturnCard{},
	}, commands)
}

func TestWithdrawalWithReceipt(t *testing.T) {
	n := newNetwork(t)

	commands := n.sw.Authorize(n.terminal.name, "AAA", n.card, 200, n.pin)
	require.Len(t, commands, 6)

	receipt, ok := commands[5].(atmswitch.PrintReceipt)
	require.True(t, ok, "last command must be the receipt, got %T", commands[5])
	require.Equal(t, "Date: 2023-05-12 14:30\nATM: AJP001\nAmount Withdrawn: 200\nCurrent Balance: 19800", receipt.Text)
}

func TestBalanceInquiryEndToEnd(t *testing.T) {
	n := newNetwork(t)

	commands := n.sw.Authorize(n.terminal.name, "B", n.card, 0, n.pin)

	require.Equal(t, []atmswitch.Command{
		atmswitch.ShowScreen{Text: "Your current balance is: 20000"},
	}, commands)
}

func TestDeclineScreens(t *testing.T) {
	n := newNetwork(t)

	t.Run("incorrect pin", func(t *testing.T) {
		wrongPin, err := security.EncryptPinBlock(n.terminalClear, "9999")
		require.NoError(t, err)
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 200, wrongPin)
		require.Equal(t, []atmswitch.Command{
			atmswitch.ShowScreen{Text: "Incorrect PIN", IsError: true},
		}, commands)
	})

	t.Run("limit exceeded", func(t *testing.T) {
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 15_000, n.pin)
		require.Equal(t, []atmswitch.Command{
			atmswitch.ShowScreen{Text: "The requested amount exceeds the per-transaction limit", IsError: true},
		}, commands)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		// Drain the savings account, then one more withdrawal.
		n.sw.Authorize(n.terminal.name, "AAC", n.card, 10_000, n.pin)
		n.sw.Authorize(n.terminal.name, "AAC", n.card, 10_000, n.pin)
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 200, n.pin)
		require.Equal(t, []atmswitch.Command{
			atmswitch.ShowScreen{Text: "Your account balance is insufficient for this withdrawal", IsError: true},
		}, commands)
	})

	t.Run("blocked card", func(t *testing.T) {
		require.NoError(t, n.auth.BlockCard(n.card))
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 200, n.pin)
		require.Equal(t, []atmswitch.Command{
			atmswitch.ShowScreen{Text: "Your card appears to be blocked. Please contact your branch...", IsError: true},
		}, commands)
	})
}

func TestUnknownKeySequence(t *testing.T) {
	n := newNetwork(t)

	commands := n.sw.Authorize(n.terminal.name, "XXI", n.card, 200, n.pin)

	require.Len(t, commands, 1)
	screen, ok := commands[0].(atmswitch.ShowScreen)
	require.True(t, ok)
	require.True(t, screen.IsError)
	require.Contains(t, screen.Text, "try again later")
}

func TestNoRouteForCard(t *testing.T) {
	n := newNetwork(t)

	commands := n.sw.Authorize(n.terminal.name, "AAC", "5500000000000004", 200, n.pin)

	require.Len(t, commands, 1)
	screen := commands[0].(atmswitch.ShowScreen)
	require.True(t, screen.IsError)
}

func TestLongestPrefixRouting(t *testing.T) {
	hsm, err := security.NewHSM()
	require.NoError(t, err)
	sw := atmswitch.New(newLogger(), hsm)

	short := &fakeAuthorizer{name: "short", result: models.Declined(models.CardNotRecognized)}
	long := &fakeAuthorizer{name: "long", result: models.Declined(models.CardNotRecognized)}

	key, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	require.NoError(t, sw.RegisterAuthorizer(short, key.Wrapped))
	require.NoError(t, sw.RegisterAuthorizer(long, key.Wrapped))
	require.NoError(t, sw.AddRoute("4", "short"))
	require.NoError(t, sw.AddRoute("459413", "long"))

	terminal := &fakeTerminal{name: "T1"}
	terminalKey, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	require.NoError(t, sw.RegisterTerminal(terminal, terminalKey.Wrapped))
	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "W", Kind: atmswitch.Withdrawal}))

	pin, err := security.EncryptPinBlock(terminalKey.Clear, "1234")
	require.NoError(t, err)

	sw.Authorize("T1", "W", "4594130000000000", 100, pin)
	require.Len(t, long.withdrawals, 1, "longest matching prefix must win")
	require.Empty(t, short.withdrawals)

	sw.Authorize("T1", "W", "4000000000000000", 100, pin)
	require.Len(t, short.withdrawals, 1)
}

func TestAddRouteReplacesExistingPrefix(t *testing.T) {
	hsm, err := security.NewHSM()
	require.NoError(t, err)
	sw := atmswitch.New(newLogger(), hsm)

	first := &fakeAuthorizer{name: "first", result: models.Declined(models.CardNotRecognized)}
	second := &fakeAuthorizer{name: "second", result: models.Declined(models.CardNotRecognized)}

	key, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	require.NoError(t, sw.RegisterAuthorizer(first, key.Wrapped))
	require.NoError(t, sw.RegisterAuthorizer(second, key.Wrapped))

	terminal := &fakeTerminal{name: "T1"}
	terminalKey, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)
	require.NoError(t, sw.RegisterTerminal(terminal, terminalKey.Wrapped))
	require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "W", Kind: atmswitch.Withdrawal}))

	pin, err := security.EncryptPinBlock(terminalKey.Clear, "1234")
	require.NoError(t, err)

	require.NoError(t, sw.AddRoute("459413", "first"))
	sw.Authorize("T1", "W", "4594130000000000", 100, pin)
	require.Len(t, first.withdrawals, 1)

	// Re-adding the prefix repoints it at the new destination.
	require.NoError(t, sw.AddRoute("459413", "second"))
	sw.Authorize("T1", "W", "4594130000000000", 100, pin)
	require.Len(t, first.withdrawals, 1, "the replaced destination must not receive further traffic")
	require.Len(t, second.withdrawals, 1)
}

func TestRegistration(t *testing.T) {
	hsm, err := security.NewHSM()
	require.NoError(t, err)
	sw := atmswitch.New(newLogger(), hsm)
	key, err := hsm.GenerateKeyMaterial()
	require.NoError(t, err)

	terminal := &fakeTerminal{name: "T1"}
	require.NoError(t, sw.RegisterTerminal(terminal, key.Wrapped))
	require.ErrorIs(t, sw.RegisterTerminal(terminal, key.Wrapped), atmswitch.ErrAlreadyRegistered)

	auth := &fakeAuthorizer{name: "A1"}
	require.NoError(t, sw.RegisterAuthorizer(auth, key.Wrapped))
	require.ErrorIs(t, sw.RegisterAuthorizer(auth, key.Wrapped), atmswitch.ErrAlreadyRegistered)

	t.Run("unregistering a terminal resets it", func(t *testing.T) {
		require.NoError(t, sw.UnregisterTerminal("T1"))
		require.True(t, terminal.resetDone)
		require.ErrorIs(t, sw.UnregisterTerminal("T1"), atmswitch.ErrNotRegistered)
	})

	t.Run("routes require a registered authorizer", func(t *testing.T) {
		require.NoError(t, sw.AddRoute("4", "A1"))
		require.ErrorIs(t, sw.AddRoute("5", "nobody"), atmswitch.ErrNotRegistered)
		require.ErrorIs(t, sw.AddRoute("", "A1"), atmswitch.ErrInvalidBINPrefix)
		require.ErrorIs(t, sw.AddRoute("1234567890123456789", "A1"), atmswitch.ErrInvalidBINPrefix)
		require.ErrorIs(t, sw.AddRoute("45a", "A1"), atmswitch.ErrInvalidBINPrefix)
	})

	t.Run("routing to an unregistered authorizer fails gracefully", func(t *testing.T) {
		require.NoError(t, sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "W", Kind: atmswitch.Withdrawal}))
		require.NoError(t, sw.UnregisterAuthorizer("A1"))

		commands := sw.Authorize("T1", "W", "4000000000000000", 100, nil)
		require.Len(t, commands, 1)
		require.True(t, commands[0].(atmswitch.ShowScreen).IsError)
	})
}

func TestOpKeyConfig(t *testing.T) {
	n := newNetwork(t)

	require.ErrorIs(t, n.sw.AddOpKeyConfig(atmswitch.OpKeyConfig{}), atmswitch.ErrEmptyKeySequence)

	t.Run("fixed amount substitutes for zero", func(t *testing.T) {
		commands := n.sw.Authorize(n.terminal.name, "C1", n.card, 0, n.pin)
		dispense, ok := commands[1].(atmswitch.DispenseCash)
		require.True(t, ok, "got %T", commands[1])
		require.True(t, dispense.Amount.Equal(decimal.NewFromInt(500)))
	})

	t.Run("zero amount without a fixed amount is rejected locally", func(t *testing.T) {
		before := len(n.auth.ListTransactions(n.account))
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 0, n.pin)
		require.Equal(t, []atmswitch.Command{
			atmswitch.ShowScreen{Text: "Invalid withdrawal amount", IsError: true},
		}, commands)
		require.Len(t, n.auth.ListTransactions(n.account), before, "the authorizer must not be called")
	})

	t.Run("upsert replaces the existing config", func(t *testing.T) {
		require.NoError(t, n.sw.AddOpKeyConfig(atmswitch.OpKeyConfig{KeySequence: "AAC", Kind: atmswitch.BalanceInquiry}))
		commands := n.sw.Authorize(n.terminal.name, "AAC", n.card, 0, n.pin)
		screen, ok := commands[0].(atmswitch.ShowScreen)
		require.True(t, ok)
		require.Contains(t, screen.Text, "Your current balance is:")
	})
}
