package domain

import "fmt"

type TransactionKind string

const (
	KindFunding    TransactionKind = "FUNDING"
	KindConversion TransactionKind = "CONVERSION"
	KindTransfer   TransactionKind = "TRANSFER"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindFunding, KindConversion, KindTransfer:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	// TxReversed is reachable from TxCompleted only. Nothing produces it yet.
	TxReversed TransactionStatus = "REVERSED"
)

var transactionTransitions = map[TransactionStatus][]TransactionStatus{
	TxPending:   {TxCompleted, TxFailed},
	TxCompleted: {TxReversed},
}

func (s TransactionStatus) Valid() bool {
	switch s {
	case TxPending, TxCompleted, TxFailed, TxReversed:
		return true
	}
	return false
}

func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	for _, allowed := range transactionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo moves the transaction to next or returns ErrInvalidTransition.
func (t *Transaction) TransitionTo(next TransactionStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: transaction %s is %s, cannot become %s", ErrInvalidTransition, t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeFailed    TradeStatus = "FAILED"
)

var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradePending: {TradeCompleted, TradeFailed},
}

func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	for _, allowed := range tradeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (t *Trade) TransitionTo(next TradeStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: trade %s is %s, cannot become %s", ErrInvalidTransition, t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}
