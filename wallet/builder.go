package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BuilderState is a step of the transaction builder.
type BuilderState uint8

const (
	StateEmpty BuilderState = iota
	StateInputsBound
	StateOutputsComputed
	StateSigned
	StateFinalized
	StateFailed
)

func (s BuilderState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInputsBound:
		return "inputs-bound"
	case StateOutputsComputed:
		return "outputs-computed"
	case StateSigned:
		return "signed"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Builder assembles one transaction. Steps run in order:
//
//	BindInputs -> ComputeOutputs -> Sign -> Finalize
//
// Any failure moves the builder to StateFailed, which keeps the error. A
// builder is single use: after StateFinalized or StateFailed every step
// returns ErrBuilderState. A Builder is not safe for concurrent use.
type Builder struct {
	params *chaincfg.Params
	state  BuilderState
	err    error

	coins       []Coin
	tx          *wire.MsgTx
	fee         btcutil.Amount
	change      btcutil.Amount
	changeIndex int

	prevOuts  *txscript.MultiPrevOutFetcher
	sigHashes *txscript.TxSigHashes
}

// NewBuilder returns an empty builder for the network.
func NewBuilder(params *chaincfg.Params) *Builder {
	return &Builder{
		params:      params,
		state:       StateEmpty,
		changeIndex: -1,
	}
}

// State returns the current step.
func (b *Builder) State() BuilderState {
	return b.state
}

// Err returns the error that moved the builder to StateFailed.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) fail(err error) error {
	b.state = StateFailed
	b.err = err
	return err
}

// expect checks the builder is at the given step before running the next.
func (b *Builder) expect(want BuilderState, step string) error {
	switch b.state {
	case want:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %s after failure: %v", ErrBuilderState, step, b.err)
	case StateFinalized:
		return fmt.Errorf("%w: %s after finalization", ErrBuilderState, step)
	default:
		return b.fail(fmt.Errorf("%w: %s in state %s", ErrBuilderState, step, b.state))
	}
}

// BindInputs turns every coin into an input, in the order supplied.
func (b *Builder) BindInputs(coins []Coin) error {
	if err := b.expect(StateEmpty, "bind inputs"); err != nil {
		return err
	}
	if len(coins) == 0 {
		return b.fail(fmt.Errorf("%w: no inputs", ErrInsufficientFunds))
	}

	var total btcutil.Amount
	seen := make(map[wire.OutPoint]struct{}, len(coins))
	bound := make([]Coin, len(coins))
	tx := wire.NewMsgTx(wire.TxVersion)

	for i, coin := range coins {
		if _, ok := seen[coin.OutPoint]; ok {
			return b.fail(fmt.Errorf("%w: input %v bound twice", ErrDuplicateOutPoint, coin.OutPoint))
		}
		seen[coin.OutPoint] = struct{}{}

		if coin.Amount <= 0 {
			return b.fail(fmt.Errorf("input %v has non-positive amount %d", coin.OutPoint, coin.Amount))
		}
		total += coin.Amount
		if coin.Amount > btcutil.MaxSatoshi || total > btcutil.MaxSatoshi {
			return b.fail(fmt.Errorf("%w: input value exceeds %d at %v",
				ErrInsufficientFunds, btcutil.MaxSatoshi, coin.OutPoint))
		}

		scriptType, err := ScriptType(coin.PkScript)
		if err != nil {
			return b.fail(fmt.Errorf("input %v: %w", coin.OutPoint, err))
		}
		if coin.ScriptType != "" && coin.ScriptType != scriptType {
			return b.fail(fmt.Errorf("%w: input %v recorded as %s, script is %s",
				ErrUnexpectedScript, coin.OutPoint, coin.ScriptType, scriptType))
		}
		coin.ScriptType = scriptType
		bound[i] = coin

		op := coin.OutPoint
		txIn := wire.NewTxIn(&op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
	}

	b.coins = bound
	b.tx = tx
	b.state = StateInputsBound
	return nil
}

// ComputeOutputs splits the input value, less fee, across destinations.
// Fixed amounts are paid first; the rest is divided equally between the
// destinations without an amount. The remainder of the integer division
// goes to a change output at changeAddress. Without a change address, or when
// the remainder would be dust, it is added to the last destination without an
// amount, and to the last destination only when every amount is fixed.
//
// Amounts, their sum and the fee are bounded by btcutil.MaxSatoshi.
func (b *Builder) ComputeOutputs(destinations []Destination, fee btcutil.Amount, changeAddress string) error {
	if err := b.expect(StateInputsBound, "compute outputs"); err != nil {
		return err
	}

	planned, err := planOutputs(SumCoins(b.coins), destinations, fee, changeAddress, b.params)
	if err != nil {
		return b.fail(err)
	}

	for i, out := range planned {
		b.tx.AddTxOut(wire.NewTxOut(int64(out.amount), out.pkScript))
		if out.change {
			b.change = out.amount
			b.changeIndex = i
		}
	}

	b.fee = fee
	b.state = StateOutputsComputed
	return nil
}

// Sign resolves the key of every input's owning address and signs each
// input independently.
func (b *Builder) Sign(resolver KeyResolver) error {
	if err := b.expect(StateOutputsComputed, "sign"); err != nil {
		return err
	}

	if err := b.signInputs(resolver); err != nil {
		return b.fail(err)
	}

	b.state = StateSigned
	return nil
}

// Finalize verifies every input against the script it spends and the
// balance law, then emits the transaction.
func (b *Builder) Finalize() (*SignedTransaction, error) {
	if err := b.expect(StateSigned, "finalize"); err != nil {
		return nil, err
	}

	signed, err := b.finalize()
	if err != nil {
		return nil, b.fail(err)
	}

	b.state = StateFinalized
	return signed, nil
}

// BuildTransaction runs a fresh builder through every step.
func BuildTransaction(
	params *chaincfg.Params,
	coins []Coin,
	destinations []Destination,
	fee btcutil.Amount,
	changeAddress string,
	resolver KeyResolver,
) (*SignedTransaction, error) {
	b := NewBuilder(params)
	if err := b.BindInputs(coins); err != nil {
		return nil, err
	}
	if err := b.ComputeOutputs(destinations, fee, changeAddress); err != nil {
		return nil, err
	}
	if err := b.Sign(resolver); err != nil {
		return nil, err
	}
	return b.Finalize()
}
