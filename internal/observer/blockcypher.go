package observer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const satoshiExp = -8

// UTXO is a spendable output reported by BlockCypher.
type UTXO struct {
	TxHash        string
	Index         uint32
	Value         int64
	Confirmations int64
	Script        []byte
}

// BlockCypher is a client for the BlockCypher address and transaction API.
type BlockCypher struct {
	baseURL string
	token   string
	client  *indexerClient
}

// NewBlockCypher creates a client rooted at baseURL, e.g. https://api.blockcypher.com/v1/btc/main.
func NewBlockCypher(baseURL, token string, cfg ClientConfig) *BlockCypher {
	return &BlockCypher{baseURL: baseURL, token: token, client: newIndexerClient("blockcypher", cfg)}
}

func (b *BlockCypher) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if b.token != "" {
		query.Set("token", b.token)
	}
	u := b.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// AddressTransfers returns up to limit received outputs for address, newest first.
func (b *BlockCypher) AddressTransfers(ctx context.Context, address string, limit int) ([]Transfer, error) {
	doc, err := b.client.getJSON(ctx, b.endpoint("/addrs/"+url.PathEscape(address),
		url.Values{"limit": {strconv.Itoa(limit)}}))
	if err != nil {
		return nil, err
	}
	if msg := doc.Get("error"); msg.Exists() {
		return nil, fmt.Errorf("%w: blockcypher: %s", ErrTransient, msg.String())
	}

	var transfers []Transfer
	collect := func(refs gjson.Result) {
		refs.ForEach(func(_, ref gjson.Result) bool {
			if len(transfers) >= limit {
				return false
			}
			// Negative tx_input_n marks an output received by the address.
			if ref.Get("tx_input_n").Int() >= 0 {
				return true
			}
			transfers = append(transfers, Transfer{
				TxHash:        ref.Get("tx_hash").String(),
				Amount:        decimal.New(ref.Get("value").Int(), satoshiExp),
				Confirmations: Confirmations{Count: ref.Get("confirmations").Int()},
				Spent:         ref.Get("spent").Bool(),
			})
			return true
		})
	}
	collect(doc.Get("unconfirmed_txrefs"))
	collect(doc.Get("txrefs"))
	return transfers, nil
}

// TxConfirmations returns the confirmation count of txHash.
func (b *BlockCypher) TxConfirmations(ctx context.Context, txHash string) (int64, error) {
	doc, err := b.client.getJSON(ctx, b.endpoint("/txs/"+url.PathEscape(txHash), nil))
	if err != nil {
		return 0, err
	}
	conf := doc.Get("confirmations")
	if !conf.Exists() {
		return 0, fmt.Errorf("%w: blockcypher tx %s missing confirmations", ErrTransient, txHash)
	}
	return conf.Int(), nil
}

// UnspentOutputs lists the confirmed unspent outputs of address.
func (b *BlockCypher) UnspentOutputs(ctx context.Context, address string) ([]UTXO, error) {
	doc, err := b.client.getJSON(ctx, b.endpoint("/addrs/"+url.PathEscape(address), url.Values{
		"unspentOnly":   {"true"},
		"includeScript": {"true"},
	}))
	if err != nil {
		return nil, err
	}

	var utxos []UTXO
	var parseErr error
	doc.Get("txrefs").ForEach(func(_, ref gjson.Result) bool {
		if ref.Get("confirmations").Int() < 1 {
			return true
		}
		script, err := hex.DecodeString(ref.Get("script").String())
		if err != nil {
			parseErr = fmt.Errorf("%w: blockcypher script for %s: %v", ErrTransient, ref.Get("tx_hash").String(), err)
			return false
		}
		utxos = append(utxos, UTXO{
			TxHash:        ref.Get("tx_hash").String(),
			Index:         uint32(ref.Get("tx_output_n").Uint()),
			Value:         ref.Get("value").Int(),
			Confirmations: ref.Get("confirmations").Int(),
			Script:        script,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return utxos, nil
}

// FeePerKB returns the indexer's medium fee estimate in satoshi per kilobyte.
func (b *BlockCypher) FeePerKB(ctx context.Context) (int64, error) {
	doc, err := b.client.getJSON(ctx, b.endpoint("", nil))
	if err != nil {
		return 0, err
	}
	fee := doc.Get("medium_fee_per_kb").Int()
	if fee <= 0 {
		return 0, fmt.Errorf("%w: blockcypher fee estimate missing", ErrTransient)
	}
	return fee, nil
}

// PushTx broadcasts a raw hex transaction and returns its hash.
func (b *BlockCypher) PushTx(ctx context.Context, rawHex string) (string, error) {
	payload, err := json.Marshal(map[string]string{"tx": rawHex})
	if err != nil {
		return "", fmt.Errorf("encode push payload: %w", err)
	}
	body, err := b.client.do(ctx, http.MethodPost, b.endpoint("/txs/push", nil), bytes.NewReader(payload))
	if err != nil {
		if msg := gjson.GetBytes(body, "error"); msg.Exists() {
			return "", fmt.Errorf("%w (%s)", err, msg.String())
		}
		return "", err
	}
	hash := gjson.GetBytes(body, "tx.hash").String()
	if hash == "" {
		return "", fmt.Errorf("%w: blockcypher push returned no hash", ErrTransient)
	}
	return hash, nil
}
