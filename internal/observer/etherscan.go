package observer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Receipt is the subset of a transaction receipt needed for confirmation tracking.
type Receipt struct {
	BlockNumber int64
	Succeeded   bool
}

// Etherscan is a client for the Etherscan account and proxy modules.
type Etherscan struct {
	baseURL string
	apiKey  string
	client  *indexerClient
}

// NewEtherscan creates a client rooted at baseURL, e.g. https://api.etherscan.io/api.
func NewEtherscan(baseURL, apiKey string, cfg ClientConfig) *Etherscan {
	return &Etherscan{baseURL: baseURL, apiKey: apiKey, client: newIndexerClient("etherscan", cfg)}
}

func (e *Etherscan) endpoint(query url.Values) string {
	if e.apiKey != "" {
		query.Set("apikey", e.apiKey)
	}
	return e.baseURL + "?" + query.Encode()
}

// TokenTransfers returns up to limit token transfers into address, newest first.
func (e *Etherscan) TokenTransfers(ctx context.Context, contract, address string, limit int) ([]Transfer, error) {
	doc, err := e.client.getJSON(ctx, e.endpoint(url.Values{
		"module":          {"account"},
		"action":          {"tokentx"},
		"contractaddress": {contract},
		"address":         {address},
		"page":            {"1"},
		"offset":          {strconv.Itoa(limit)},
		"sort":            {"desc"},
	}))
	if err != nil {
		return nil, err
	}

	result := doc.Get("result")
	if doc.Get("status").String() != "1" {
		// Etherscan reports an empty history as status 0 with an empty result array.
		if result.IsArray() && len(result.Array()) == 0 {
			return nil, nil
		}
		return nil, e.apiError(doc)
	}
	if !result.IsArray() {
		return nil, fmt.Errorf("%w: etherscan tokentx result is not an array", ErrTransient)
	}

	var transfers []Transfer
	var parseErr error
	result.ForEach(func(_, item gjson.Result) bool {
		if !strings.EqualFold(item.Get("to").String(), address) {
			return true
		}
		raw, err := decimal.NewFromString(item.Get("value").String())
		if err != nil {
			parseErr = fmt.Errorf("%w: etherscan value %q: %v", ErrTransient, item.Get("value").String(), err)
			return false
		}
		decimals := int32(item.Get("tokenDecimal").Int())
		transfers = append(transfers, Transfer{
			TxHash:    item.Get("hash").String(),
			Amount:    raw.Shift(-decimals),
			Timestamp: time.Unix(item.Get("timeStamp").Int(), 0),
		})
		return len(transfers) < limit
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return transfers, nil
}

// TransactionReceipt returns the receipt of txHash, or nil while the
// transaction is still pending.
func (e *Etherscan) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	doc, err := e.client.getJSON(ctx, e.endpoint(url.Values{
		"module": {"proxy"},
		"action": {"eth_getTransactionReceipt"},
		"txhash": {txHash},
	}))
	if err != nil {
		return nil, err
	}
	if doc.Get("error").Exists() {
		return nil, e.apiError(doc)
	}

	result := doc.Get("result")
	if !result.Exists() || result.Type == gjson.Null {
		return nil, nil
	}
	if !result.IsObject() {
		return nil, e.apiError(doc)
	}
	block, err := hexutil.DecodeUint64(result.Get("blockNumber").String())
	if err != nil {
		return nil, fmt.Errorf("%w: etherscan receipt block: %v", ErrTransient, err)
	}
	return &Receipt{
		BlockNumber: int64(block),
		Succeeded:   result.Get("status").String() == "0x1",
	}, nil
}

// BlockNumber returns the current chain height.
func (e *Etherscan) BlockNumber(ctx context.Context) (int64, error) {
	doc, err := e.client.getJSON(ctx, e.endpoint(url.Values{
		"module": {"proxy"},
		"action": {"eth_blockNumber"},
	}))
	if err != nil {
		return 0, err
	}
	height, err := hexutil.DecodeUint64(doc.Get("result").String())
	if err != nil {
		return 0, fmt.Errorf("%w: etherscan block number: %v", ErrTransient, err)
	}
	return int64(height), nil
}

func (e *Etherscan) apiError(doc gjson.Result) error {
	msg := doc.Get("result").String()
	if msg == "" {
		msg = doc.Get("message").String()
	}
	if errMsg := doc.Get("error.message"); errMsg.Exists() {
		msg = errMsg.String()
	}
	if strings.Contains(strings.ToLower(msg), "rate limit") {
		e.client.startBackoff("")
		return fmt.Errorf("%w: etherscan: %s", ErrRateLimited, msg)
	}
	return fmt.Errorf("%w: etherscan: %s", ErrTransient, msg)
}
