package sweep

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ashureev/shsh-deposits/internal/observer"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// dustLimit is the smallest output the sweep will create, in satoshi.
	dustLimit = 546

	// P2WPKH virtual sizes.
	txOverheadVBytes = 11
	inputVBytes      = 68
	outputVBytes     = 31
)

// UTXOSource lists and broadcasts bitcoin transactions.
type UTXOSource interface {
	UnspentOutputs(ctx context.Context, address string) ([]observer.UTXO, error)
	FeePerKB(ctx context.Context) (int64, error)
	PushTx(ctx context.Context, rawHex string) (string, error)
}

// BitcoinKeys derives P2WPKH signing keys.
type BitcoinKeys interface {
	BitcoinKey(index uint32) (*btcec.PrivateKey, error)
}

// BitcoinSweeper spends the confirmed outputs of a settled transaction to the vault.
type BitcoinSweeper struct {
	source UTXOSource
	keys   BitcoinKeys
	vault  btcutil.Address
	params *chaincfg.Params
}

// NewBitcoinSweeper creates a sweeper paying to vault.
func NewBitcoinSweeper(source UTXOSource, keys BitcoinKeys, vault btcutil.Address, params *chaincfg.Params) *BitcoinSweeper {
	return &BitcoinSweeper{source: source, keys: keys, vault: vault, params: params}
}

// Chain returns domain.ChainBitcoin.
func (s *BitcoinSweeper) Chain() domain.Chain {
	return domain.ChainBitcoin
}

// EstimateFee returns the fee in satoshi for a sweep with n inputs at feePerKB.
func EstimateFee(inputs int, feePerKB int64) int64 {
	vsize := int64(txOverheadVBytes + inputVBytes*inputs + outputVBytes)
	return (vsize*feePerKB + 999) / 1000
}

// Sweep builds, signs and broadcasts a transaction spending the confirmed
// outputs req.TxHash paid to req.Address. Outputs of other transactions stay
// put until their own sessions settle.
func (s *BitcoinSweeper) Sweep(ctx context.Context, req Request) (string, error) {
	address := req.Address
	priv, err := s.keys.BitcoinKey(req.Index)
	if err != nil {
		return "", err
	}
	source, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(priv.PubKey().SerializeCompressed()), s.params)
	if err != nil {
		return "", fmt.Errorf("derive source address: %w", err)
	}
	if source.EncodeAddress() != address {
		return "", fmt.Errorf("derived key does not control %s", address)
	}
	pkScript, err := txscript.PayToAddrScript(source)
	if err != nil {
		return "", fmt.Errorf("build source script: %w", err)
	}

	unspent, err := s.source.UnspentOutputs(ctx, address)
	if err != nil {
		return "", fmt.Errorf("list unspent outputs: %w", err)
	}
	var utxos []observer.UTXO
	for _, u := range unspent {
		if u.TxHash == req.TxHash {
			utxos = append(utxos, u)
		}
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("%w: no confirmed output of %s", ErrNothingToSweep, req.TxHash)
	}

	feePerKB, err := s.source.FeePerKB(ctx)
	if err != nil {
		return "", fmt.Errorf("fee estimate: %w", err)
	}

	tx := wire.NewMsgTx(2)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	var total int64
	for _, u := range utxos {
		if len(u.Script) > 0 && !bytes.Equal(u.Script, pkScript) {
			return "", fmt.Errorf("output %s:%d has unexpected script", u.TxHash, u.Index)
		}
		hash, err := chainhash.NewHashFromStr(u.TxHash)
		if err != nil {
			return "", fmt.Errorf("parse outpoint hash %q: %w", u.TxHash, err)
		}
		outPoint := wire.NewOutPoint(hash, u.Index)
		tx.AddTxIn(wire.NewTxIn(outPoint, nil, nil))
		prevOuts.AddPrevOut(*outPoint, wire.NewTxOut(u.Value, pkScript))
		total += u.Value
	}

	fee := EstimateFee(len(utxos), feePerKB)
	if total-fee < dustLimit {
		return "", fmt.Errorf("%w: %d sat held, %d sat fee", ErrInsufficientFee, total, fee)
	}

	vaultScript, err := txscript.PayToAddrScript(s.vault)
	if err != nil {
		return "", fmt.Errorf("build vault script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, vaultScript))

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, u := range utxos {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, pkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize sweep: %w", err)
	}
	txHash, err := s.source.PushTx(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", fmt.Errorf("broadcast sweep: %w", err)
	}
	return txHash, nil
}
