// Package keys derives per-user receiving addresses and signing keys from a
// single BIP-32 root seed.
package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	purposeSegwit = 84
	purposeLegacy = 44
	coinEthereum  = 60
)

// Deriver derives receiving addresses and signing keys by user index.
// The root seed is consumed at construction and never retained.
type Deriver struct {
	params    *chaincfg.Params
	btcBranch *hdkeychain.ExtendedKey // m/84'/coin'/0'/0
	ethBranch *hdkeychain.ExtendedKey // m/44'/60'/0'/0
}

// NetworkParams maps a network name to its chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", name)
	}
}

// NewDeriver builds a Deriver from a hex-encoded root seed.
func NewDeriver(seedHex string, params *chaincfg.Params) (*Deriver, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode root seed: %w", err)
	}
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}

	coinBitcoin := uint32(0)
	if params.Net != chaincfg.MainNetParams.Net {
		coinBitcoin = 1
	}

	btcBranch, err := derivePath(master,
		hdkeychain.HardenedKeyStart+purposeSegwit,
		hdkeychain.HardenedKeyStart+coinBitcoin,
		hdkeychain.HardenedKeyStart,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin branch: %w", err)
	}
	ethBranch, err := derivePath(master,
		hdkeychain.HardenedKeyStart+purposeLegacy,
		hdkeychain.HardenedKeyStart+coinEthereum,
		hdkeychain.HardenedKeyStart,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("derive ethereum branch: %w", err)
	}

	return &Deriver{params: params, btcBranch: btcBranch, ethBranch: ethBranch}, nil
}

func derivePath(key *hdkeychain.ExtendedKey, path ...uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, child := range path {
		if key, err = key.Derive(child); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// Params returns the bitcoin network parameters used for address encoding.
func (d *Deriver) Params() *chaincfg.Params {
	return d.params
}

// DeriveAddress returns the receiving address for the user index on chain.
func (d *Deriver) DeriveAddress(chain domain.Chain, index uint32) (string, error) {
	switch chain {
	case domain.ChainBitcoin:
		addr, err := d.bitcoinAddress(index)
		if err != nil {
			return "", err
		}
		return addr.EncodeAddress(), nil
	case domain.ChainUSDT:
		key, err := d.EthereumKey(index)
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	default:
		return "", fmt.Errorf("unsupported chain %q", chain)
	}
}

// BitcoinKey returns the P2WPKH signing key for the user index.
func (d *Deriver) BitcoinKey(index uint32) (*btcec.PrivateKey, error) {
	child, err := d.btcBranch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin key %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract bitcoin key %d: %w", index, err)
	}
	return priv, nil
}

// EthereumKey returns the account signing key for the user index.
func (d *Deriver) EthereumKey(index uint32) (*ecdsa.PrivateKey, error) {
	child, err := d.ethBranch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive ethereum key %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract ethereum key %d: %w", index, err)
	}
	key, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, fmt.Errorf("convert ethereum key %d: %w", index, err)
	}
	return key, nil
}

func (d *Deriver) bitcoinAddress(index uint32) (*btcutil.AddressWitnessPubKeyHash, error) {
	child, err := d.btcBranch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive bitcoin key %d: %w", index, err)
	}
	pub, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("extract bitcoin pubkey %d: %w", index, err)
	}
	return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), d.params)
}

// DecodeBitcoinAddress parses addr and checks it belongs to params.
func DecodeBitcoinAddress(addr string, params *chaincfg.Params) (btcutil.Address, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", addr, params.Name)
	}
	return decoded, nil
}
