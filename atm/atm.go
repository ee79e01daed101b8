package atm

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/alovak/atmsim-playground/atmswitch"
	"github.com/alovak/atmsim-playground/internal/cardgen"
	"github.com/alovak/atmsim-playground/internal/security"
)

var ErrNotConfigured = fmt.Errorf("atm is not configured with a switch and a working key")

// Switch is the terminal's view of the authorization hub.
type Switch interface {
	Authorize(terminalName, keySequence, cardNumber string, amount int64, pinCryptogram []byte) []atmswitch.Command
}

// Sleeper provides the hardware-ish delays between terminal actions.
// Injected so tests run without waiting.
type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

type NoopSleeper struct{}

func (NoopSleeper) Sleep(time.Duration) {}

// ATM encrypts entered PINs under its own working key (TPK), submits
// requests to the switch and executes the returned command list in order.
type ATM struct {
	name    string
	logger  *slog.Logger
	out     io.Writer
	sleeper Sleeper

	mu  sync.Mutex
	sw  Switch
	tpk []byte
}

type Option func(*ATM)

func WithSleeper(s Sleeper) Option {
	return func(a *ATM) { a.sleeper = s }
}

func New(logger *slog.Logger, name string, out io.Writer, opts ...Option) *ATM {
	a := &ATM{
		name:    name,
		logger:  logger.With(slog.String("atm", name)),
		out:     out,
		sleeper: realSleeper{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ATM) Name() string {
	return a.name
}

// InstallKey hands the terminal its clear working key material.
func (a *ATM) InstallKey(clear []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tpk = clear
}

func (a *ATM) Connect(sw Switch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sw = sw
}

// Reset clears the local key state; called by the switch on unregister.
func (a *ATM) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tpk = nil
	a.sw = nil
}

func (a *ATM) Configured() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tpk != nil && a.sw != nil
}

// SubmitRequest runs one customer transaction: validate the PIN shape
// locally, encrypt it under the TPK, submit to the switch and execute the
// returned commands. An amount of zero lets the op-key's fixed amount apply.
func (a *ATM) SubmitRequest(keySequence, cardNumber, pin string, amount int64) error {
	a.mu.Lock()
	sw, tpk := a.sw, a.tpk
	a.mu.Unlock()

	if sw == nil || tpk == nil {
		return ErrNotConfigured
	}

	if len(pin) != 4 || !cardgen.IsDigits(pin) {
		return a.execute([]atmswitch.Command{
			atmswitch.ShowScreen{Text: "ERROR.\n\nThe PIN must be a 4 digit number.", IsError: true},
		})
	}

	cryptogram, err := security.EncryptPinBlock(tpk, pin)
	if err != nil {
		return fmt.Errorf("encrypting pin: %w", err)
	}

	a.logger.Info("submitting transaction request",
		slog.String("sequence", keySequence),
		slog.String("card", cardgen.MaskPAN(cardNumber)))

	return a.execute(sw.Authorize(a.name, keySequence, cardNumber, amount, cryptogram))
}

func (a *ATM) execute(commands []atmswitch.Command) error {
	for _, command := range commands {
		switch cmd := command.(type) {
		case atmswitch.DispenseCash:
			a.sleeper.Sleep(time.Second)
			fmt.Fprintf(a.out, "> Cash dispensed: %s\n", cmd.Amount)
			a.sleeper.Sleep(2 * time.Second)
		case atmswitch.ReturnCard:
			a.sleeper.Sleep(500 * time.Millisecond)
			fmt.Fprintln(a.out, "> Card returned")
			a.sleeper.Sleep(time.Second)
		case atmswitch.PrintReceipt:
			a.sleeper.Sleep(500 * time.Millisecond)
			fmt.Fprintf(a.out, "> Printing receipt:\n%s\n", indent(cmd.Text))
			a.sleeper.Sleep(1500 * time.Millisecond)
		case atmswitch.ShowScreen:
			label := ""
			if cmd.IsError {
				label = " (error)"
			}
			fmt.Fprintf(a.out, "> Showing screen%s:\n%s\n", label, indent(cmd.Text))
			a.sleeper.Sleep(500 * time.Millisecond)
		default:
			return fmt.Errorf("command %T not supported by the atm", command)
		}
	}
	fmt.Fprintf(a.out, "> End of transaction\n\n")
	return nil
}

func indent(text string) string {
	return "\t" + strings.ReplaceAll(text, "\n", "\n\t")
}
