package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"

	"github.com/alovak/atmsim-playground/atm"
	"github.com/alovak/atmsim-playground/atmswitch"
	"github.com/alovak/atmsim-playground/authorizer"
	"github.com/alovak/atmsim-playground/authorizer/models"
	"github.com/alovak/atmsim-playground/internal/security"
)

const (
	flagTransactionLimit = "transaction-limit"
	flagNoDelays         = "no-delays"

	keysWithdrawalWithReceipt = "AAA"
	keysWithdrawalNoReceipt   = "AAC"
	keysBalanceInquiry        = "B"
	keysFastCash              = "C1"

	cardBIN = "459413"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "atmsim: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		transactionLimit int64
		noDelays         bool
	)

	cmd := &cobra.Command{
		Use:           "atmsim",
		Short:         "ATM switching network simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(transactionLimit, noDelays)
		},
	}
	cmd.Flags().Int64Var(&transactionLimit, flagTransactionLimit, 10_000, "per-transaction withdrawal ceiling")
	cmd.Flags().BoolVar(&noDelays, flagNoDelays, false, "skip terminal hardware delays")
	return cmd
}

func run(transactionLimit int64, noDelays bool) error {
	logger := newLogger()
	logger.Info("starting simulation...")

	hsm, err := security.NewHSM()
	if err != nil {
		return fmt.Errorf("creating security module: %w", err)
	}

	sw := atmswitch.New(logger, hsm)
	for _, cfg := range []atmswitch.OpKeyConfig{
		{KeySequence: keysWithdrawalWithReceipt, Kind: atmswitch.Withdrawal, Receipt: true},
		{KeySequence: keysWithdrawalNoReceipt, Kind: atmswitch.Withdrawal},
		{KeySequence: keysBalanceInquiry, Kind: atmswitch.BalanceInquiry},
		{KeySequence: keysFastCash, Kind: atmswitch.Withdrawal, Receipt: true, FixedAmount: 500},
	} {
		if err := sw.AddOpKeyConfig(cfg); err != nil {
			return fmt.Errorf("adding op key %s: %w", cfg.KeySequence, err)
		}
	}

	var opts []atm.Option
	if noDelays {
		opts = append(opts, atm.WithSleeper(atm.NoopSleeper{}))
	}
	terminal := atm.New(logger, "AJP001", os.Stdout, opts...)

	terminalKey, err := hsm.GenerateKeyMaterial()
	if err != nil {
		return fmt.Errorf("generating terminal key: %w", err)
	}
	terminal.InstallKey(terminalKey.Clear)
	terminal.Connect(sw)
	if err := sw.RegisterTerminal(terminal, terminalKey.Wrapped); err != nil {
		return fmt.Errorf("registering terminal: %w", err)
	}

	issuer := authorizer.New(logger, "AutDB", hsm, decimal.NewFromInt(transactionLimit))
	issuerKey, err := hsm.GenerateKeyMaterial()
	if err != nil {
		return fmt.Errorf("generating authorizer key: %w", err)
	}
	issuer.InstallKey(issuerKey.Wrapped)
	if err := sw.RegisterAuthorizer(issuer, issuerKey.Wrapped); err != nil {
		return fmt.Errorf("registering authorizer: %w", err)
	}
	if err := sw.AddRoute(cardBIN, issuer.Name()); err != nil {
		return fmt.Errorf("adding route: %w", err)
	}

	savings, err := issuer.CreateAccount(models.Savings, decimal.NewFromInt(20_000), decimal.Zero)
	if err != nil {
		return err
	}
	checking, err := issuer.CreateAccount(models.Checking, decimal.RequireFromString("20000.74"), decimal.NewFromInt(10_000))
	if err != nil {
		return err
	}

	savingsCard, err := issuer.CreateCard(cardBIN, savings)
	if err != nil {
		return err
	}
	checkingCard, err := issuer.CreateCard(cardBIN, checking)
	if err != nil {
		return err
	}
	if err := issuer.AssignPin(savingsCard, "1234"); err != nil {
		return err
	}
	if err := issuer.AssignPin(checkingCard, "9999"); err != nil {
		return err
	}

	scenario := []struct {
		title       string
		keySequence string
		card        string
		pin         string
		amount      int64
	}{
		{"withdrawal with receipt", keysWithdrawalWithReceipt, savingsCard, "1234", 200},
		{"balance inquiry", keysBalanceInquiry, savingsCard, "1234", 0},
		{"fast cash (fixed amount)", keysFastCash, checkingCard, "9999", 0},
		{"wrong pin", keysWithdrawalNoReceipt, savingsCard, "4321", 200},
		{"over the transaction limit", keysWithdrawalNoReceipt, checkingCard, "9999", transactionLimit + 1},
		{"unknown key sequence", "XXI", savingsCard, "1234", 200},
	}
	for _, step := range scenario {
		logger.Info("running transaction", slog.String("step", step.title))
		if err := terminal.SubmitRequest(step.keySequence, step.card, step.pin, step.amount); err != nil {
			return fmt.Errorf("%s: %w", step.title, err)
		}
	}

	logger.Info("simulation finished")
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if getenv("LOG_LEVEL", "info") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(os.Stderr))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
