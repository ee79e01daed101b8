package atmswitch

import "github.com/shopspring/decimal"

// Command is the closed set of instructions a terminal executes after an
// authorization. The switch is the only producer; terminals consume the
// list in emitted order.
type Command interface {
	isCommand()
}

type DispenseCash struct {
	Amount decimal.Decimal
}

type PrintReceipt struct {
	Text string
}

type ShowScreen struct {
	Text    string
	IsError bool
}

type ReturnCard struct{}

func (DispenseCash) isCommand() {}
func (PrintReceipt) isCommand() {}
func (ShowScreen) isCommand()   {}
func (ReturnCard) isCommand()   {}
