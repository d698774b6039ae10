package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// Destination is a transaction output request. A zero Amount asks for an
// equal share of whatever the fixed amounts and fee leave over.
type Destination struct {
	Address string
	Amount  btcutil.Amount
}

// EqualSplit returns destinations sharing the available value equally.
func EqualSplit(addresses ...string) []Destination {
	dests := make([]Destination, len(addresses))
	for i, a := range addresses {
		dests[i] = Destination{Address: a}
	}
	return dests
}

// SignedTransaction is a finalized transaction whose every input carries a
// verified signature.
type SignedTransaction struct {
	tx     *wire.MsgTx
	inputs []Coin

	TxID         string
	Fee          btcutil.Amount
	TotalInput   btcutil.Amount
	TotalOutput  btcutil.Amount
	ChangeAmount btcutil.Amount
	ChangeIndex  int // -1 when there is no change output
	Size         int
	VSize        int64
}

// MsgTx returns a copy of the wire transaction.
func (s *SignedTransaction) MsgTx() *wire.MsgTx {
	return s.tx.Copy()
}

// Inputs returns the spent coins in input order.
func (s *SignedTransaction) Inputs() []Coin {
	out := make([]Coin, len(s.inputs))
	copy(out, s.inputs)
	return out
}

// Serialize encodes the transaction in wire format.
func (s *SignedTransaction) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// Hex encodes the transaction for sendrawtransaction.
func (s *SignedTransaction) Hex() (string, error) {
	raw, err := s.Serialize()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// Packet exports the transaction as a finalized PSBT.
func (s *SignedTransaction) Packet() (*psbt.Packet, error) {
	unsigned := s.tx.Copy()
	for _, in := range unsigned.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}

	p, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to create PSBT: %w", err)
	}

	for i, coin := range s.inputs {
		in := &p.Inputs[i]
		signed := s.tx.TxIn[i]

		if coin.ScriptType == AddressTypeP2PKH {
			in.FinalScriptSig = signed.SignatureScript
			continue
		}

		in.WitnessUtxo = coin.TxOut()
		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, signed.Witness); err != nil {
			return nil, fmt.Errorf("failed to encode witness for input %d: %w", i, err)
		}
		in.FinalScriptWitness = buf.Bytes()
	}

	return p, nil
}

type plannedOutput struct {
	address  string
	pkScript []byte
	amount   btcutil.Amount
	change   bool
}

func planOutputs(
	available btcutil.Amount,
	destinations []Destination,
	fee btcutil.Amount,
	changeAddress string,
	params *chaincfg.Params,
) ([]plannedOutput, error) {

	if len(destinations) == 0 {
		return nil, fmt.Errorf("%w: no destinations", ErrInvalidDestination)
	}
	if fee < 0 {
		return nil, fmt.Errorf("negative fee %d", fee)
	}
	if fee > btcutil.MaxSatoshi {
		return nil, fmt.Errorf("%w: fee %d exceeds %d", ErrInsufficientFunds, fee, btcutil.MaxSatoshi)
	}

	outputs := make([]plannedOutput, len(destinations))
	var fixed btcutil.Amount
	var nSplit int64
	for i, d := range destinations {
		if d.Amount < 0 {
			return nil, fmt.Errorf("%w: negative amount %d for %s", ErrInvalidDestination, d.Amount, d.Address)
		}
		if d.Amount > btcutil.MaxSatoshi {
			return nil, fmt.Errorf("%w: amount %d for %s exceeds %d",
				ErrInvalidDestination, d.Amount, d.Address, btcutil.MaxSatoshi)
		}
		pkScript, err := ScriptForAddress(d.Address, params)
		if err != nil {
			return nil, err
		}
		outputs[i] = plannedOutput{address: d.Address, pkScript: pkScript, amount: d.Amount}
		if d.Amount == 0 {
			nSplit++
		}
		// Each term is at most MaxSatoshi, so the sum is checked before it
		// can wrap.
		fixed += d.Amount
		if fixed > btcutil.MaxSatoshi {
			return nil, fmt.Errorf("%w: fixed amounts exceed %d", ErrInvalidDestination, btcutil.MaxSatoshi)
		}
	}

	if available < fee {
		return nil, fmt.Errorf("%w: inputs %d do not cover fee %d", ErrInsufficientFunds, available, fee)
	}
	pool := available - fee - fixed
	if pool < 0 {
		return nil, fmt.Errorf("%w: have %d, need %d + %d fee", ErrInsufficientFunds, available, fixed, fee)
	}

	remainder := pool
	if nSplit > 0 {
		share := pool / btcutil.Amount(nSplit)
		for i := range outputs {
			if destinations[i].Amount == 0 {
				outputs[i].amount = share
			}
		}
		remainder = pool - share*btcutil.Amount(nSplit)
	}

	if remainder > 0 {
		absorbed := false
		if changeAddress != "" {
			changeScript, err := ScriptForAddress(changeAddress, params)
			if err != nil {
				return nil, err
			}
			if !isDust(remainder, changeScript) {
				outputs = append(outputs, plannedOutput{
					address:  changeAddress,
					pkScript: changeScript,
					amount:   remainder,
					change:   true,
				})
				absorbed = true
			}
		}
		if !absorbed {
			outputs[remainderIndex(destinations)].amount += remainder
		}
	}

	var total btcutil.Amount
	for i, out := range outputs {
		if isDust(out.amount, out.pkScript) {
			return nil, fmt.Errorf("%w: output %d to %s of %d is below dust threshold %d",
				ErrDustOutput, i, out.address, out.amount, dustThreshold(out.pkScript))
		}
		total += out.amount
	}
	if total+fee != available {
		return nil, fmt.Errorf("balance mismatch: inputs %d, outputs %d, fee %d", available, total, fee)
	}

	return outputs, nil
}

// remainderIndex picks the destination that absorbs the division
// remainder: the last equal-split destination, or the last destination when
// every amount is fixed.
func remainderIndex(destinations []Destination) int {
	for i := len(destinations) - 1; i >= 0; i-- {
		if destinations[i].Amount == 0 {
			return i
		}
	}
	return len(destinations) - 1
}

func dustThreshold(pkScript []byte) btcutil.Amount {
	return btcutil.Amount(mempool.GetDustThreshold(wire.NewTxOut(0, pkScript)))
}

func isDust(amount btcutil.Amount, pkScript []byte) bool {
	return amount <= 0 || amount < dustThreshold(pkScript)
}

func (b *Builder) signInputs(resolver KeyResolver) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(b.coins))
	for _, coin := range b.coins {
		prevOuts[coin.OutPoint] = coin.TxOut()
	}
	b.prevOuts = txscript.NewMultiPrevOutFetcher(prevOuts)
	b.sigHashes = txscript.NewTxSigHashes(b.tx, b.prevOuts)

	keys := make([]*btcec.PrivateKey, len(b.coins))
	for i, coin := range b.coins {
		key, err := resolver.ResolveKey(coin.Address)
		if err != nil {
			return fmt.Errorf("input %d (%v): %w", i, coin.OutPoint, err)
		}
		if key == nil {
			return fmt.Errorf("%w: input %d (%v) owned by %s", ErrUnresolvableKey, i, coin.OutPoint, coin.Address)
		}
		keys[i] = key
	}

	// Inputs are signed concurrently against the unsigned transaction and
	// only attached once every signature exists.
	witnesses := make([]wire.TxWitness, len(b.coins))
	sigScripts := make([][]byte, len(b.coins))

	var g errgroup.Group
	for i, coin := range b.coins {
		g.Go(func() error {
			witness, sigScript, err := signInput(b.tx, b.sigHashes, i, coin, keys[i])
			if err != nil {
				return err
			}
			witnesses[i] = witness
			sigScripts[i] = sigScript
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, in := range b.tx.TxIn {
		in.Witness = witnesses[i]
		in.SignatureScript = sigScripts[i]
	}
	return nil
}

func signInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int, coin Coin,
	privKey *btcec.PrivateKey) (wire.TxWitness, []byte, error) {

	switch coin.ScriptType {
	case AddressTypeP2WPKH:
		witness, err := txscript.WitnessSignature(
			tx,
			sigHashes,
			idx,
			int64(coin.Amount),
			coin.PkScript,
			txscript.SigHashAll,
			privKey,
			true, // compressed
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign input %d: %w", idx, err)
		}
		return witness, nil, nil

	case AddressTypeP2TR:
		sig, err := txscript.RawTxInTaprootSignature(
			tx,
			sigHashes,
			idx,
			int64(coin.Amount),
			coin.PkScript,
			nil, // No tap leaf (key-path spend)
			txscript.SigHashDefault,
			privKey,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Schnorr signature for input %d: %w", idx, err)
		}
		return wire.TxWitness{sig}, nil, nil

	case AddressTypeP2PKH:
		sigScript, err := txscript.SignatureScript(tx, idx, coin.PkScript, txscript.SigHashAll, privKey, true)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign input %d: %w", idx, err)
		}
		return nil, sigScript, nil

	default:
		return nil, nil, fmt.Errorf("%w: input %d is %q", ErrUnsupportedScript, idx, coin.ScriptType)
	}
}

func (b *Builder) finalize() (*SignedTransaction, error) {
	totalInput := SumCoins(b.coins)
	var totalOutput btcutil.Amount
	for _, out := range b.tx.TxOut {
		totalOutput += btcutil.Amount(out.Value)
	}
	if totalInput != totalOutput+b.fee {
		return nil, fmt.Errorf("balance mismatch: inputs %d, outputs %d, fee %d", totalInput, totalOutput, b.fee)
	}
	if err := blockchain.CheckTransactionSanity(btcutil.NewTx(b.tx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}

	for i, coin := range b.coins {
		in := b.tx.TxIn[i]
		if len(in.Witness) == 0 && len(in.SignatureScript) == 0 {
			return nil, fmt.Errorf("%w: input %d is unsigned", ErrInvalidSignature, i)
		}

		vm, err := txscript.NewEngine(
			coin.PkScript, b.tx, i, txscript.StandardVerifyFlags, nil,
			b.sigHashes, int64(coin.Amount), b.prevOuts,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrInvalidSignature, i, err)
		}
		if err := vm.Execute(); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrInvalidSignature, i, err)
		}
	}

	signed := &SignedTransaction{
		tx:           b.tx,
		inputs:       b.coins,
		TxID:         b.tx.TxHash().String(),
		Fee:          b.fee,
		TotalInput:   totalInput,
		TotalOutput:  totalOutput,
		ChangeAmount: b.change,
		ChangeIndex:  b.changeIndex,
		Size:         b.tx.SerializeSize(),
		VSize:        mempool.GetTxVirtualSize(btcutil.NewTx(b.tx)),
	}
	return signed, nil
}
