package sweep

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ashureev/shsh-deposits/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// tokenTransferGas covers an ERC-20 transfer to an existing holder with headroom.
const tokenTransferGas = 100_000

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[],"type":"function"}
]`

// EthBackend is the JSON-RPC surface needed to sweep a token balance.
// *ethclient.Client satisfies it.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthereumKeys derives account signing keys.
type EthereumKeys interface {
	EthereumKey(index uint32) (*ecdsa.PrivateKey, error)
}

// TokenSweeper transfers settled token amounts to the vault.
type TokenSweeper struct {
	backend  EthBackend
	keys     EthereumKeys
	contract common.Address
	vault    common.Address
	chainID  *big.Int
	abi      abi.ABI
}

// NewTokenSweeper creates a sweeper for the ERC-20 contract.
func NewTokenSweeper(backend EthBackend, keys EthereumKeys, contract, vault common.Address, chainID *big.Int) (*TokenSweeper, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &TokenSweeper{
		backend:  backend,
		keys:     keys,
		contract: contract,
		vault:    vault,
		chainID:  chainID,
		abi:      parsed,
	}, nil
}

// Chain returns domain.ChainUSDT.
func (s *TokenSweeper) Chain() domain.Chain {
	return domain.ChainUSDT
}

// Sweep signs and sends transfer(vault, req.Amount) from req.Address. Any
// balance beyond the settled amount belongs to other sessions and stays.
func (s *TokenSweeper) Sweep(ctx context.Context, req Request) (string, error) {
	key, err := s.keys.EthereumKey(req.Index)
	if err != nil {
		return "", err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(from.Hex(), req.Address) {
		return "", fmt.Errorf("derived key does not control %s", req.Address)
	}

	amount := req.Amount.Shift(domain.ChainUSDT.Decimals()).Truncate(0).BigInt()
	if amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: zero settled amount", ErrNothingToSweep)
	}
	balance, err := s.tokenBalance(ctx, from)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: %s held, %s settled", ErrNothingToSweep, balance, amount)
	}

	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, big.NewInt(tokenTransferGas))
	native, err := s.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", fmt.Errorf("native balance: %w", err)
	}
	if native.Cmp(fee) < 0 {
		return "", fmt.Errorf("%w: %s wei held, %s wei needed", ErrInsufficientFee, native, fee)
	}

	data, err := s.abi.Pack("transfer", s.vault, amount)
	if err != nil {
		return "", fmt.Errorf("encode transfer: %w", err)
	}
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.contract,
		Value:    big.NewInt(0),
		Gas:      tokenTransferGas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

func (s *TokenSweeper) tokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := s.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("encode balanceOf: %w", err)
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &s.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	values, err := s.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("decode balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balanceOf: unexpected %T", values[0])
	}
	return balance, nil
}
