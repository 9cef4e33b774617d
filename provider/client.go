package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blockmetrics/transfer-graph-service/domain"
	"github.com/blockmetrics/transfer-graph-service/retry"
	"github.com/pkg/errors"
)

// TransferTopic is the keccak hash of the ERC-20 Transfer(address,address,uint256) event.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// RPCError is a JSON-RPC level error returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error [%d]: %s", e.Code, e.Message)
}

// Throttled reports whether the node rejected the call because of rate
// limiting. Throttling is transient, other rpc errors are permanent.
func (e *RPCError) Throttled() bool {
	return e.Code == -32005 || e.Code == -32000
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.status)
}

// Log is a raw transfer log as returned by the node. Decoding into a
// domain.Transfer happens in the ingestion pipeline so that malformed
// entries can be skipped individually.
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
	LogIndex    string   `json:"logIndex"`
	Removed     bool     `json:"removed"`
}

// Client fetches blocks, transactions and transfer logs over Ethereum
// JSON-RPC. It tries every configured endpoint in order, each with its own
// bounded retry loop, before giving up.
type Client struct {
	endpoints      []string
	httpClient     *http.Client
	policy         retry.Policy
	attemptTimeout time.Duration
}

func NewClient(endpoints []string, policy retry.Policy, attemptTimeout time.Duration) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 12 * time.Second
	}
	if policy.Classify == nil {
		policy.Classify = Classify
	}
	return &Client{
		endpoints:      endpoints,
		httpClient:     &http.Client{},
		policy:         policy,
		attemptTimeout: attemptTimeout,
	}, nil
}

// Classify treats rpc method errors as permanent unless the node signals
// throttling. Transport and server errors are transient.
func Classify(err error) retry.Class {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Throttled() {
			return retry.Transient
		}
		return retry.Permanent
	}
	return retry.Transient
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	var lastErr error
	for _, endpoint := range c.endpoints {
		err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
			return c.callOnce(ctx, endpoint, method, params, out)
		})
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "calling %s failed across all %d endpoints", method, len(c.endpoints))
}

func (c *Client) callOnce(ctx context.Context, endpoint, method string, params []any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "marshalling request")
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "creating request")
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return errors.Wrap(err, "posting request")
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return &httpStatusError{status: response.StatusCode}
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	if decoded.Error != nil {
		return decoded.Error
	}
	if err := json.Unmarshal(decoded.Result, out); err != nil {
		return errors.Wrap(err, "decoding result")
	}
	return nil
}

// HeadHeight returns the current chain head height.
func (c *Client) HeadHeight(ctx context.Context) (uint64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", nil, &result); err != nil {
		return 0, err
	}
	height, err := ParseHexUint64(result)
	if err != nil {
		return 0, errors.Wrap(err, "parsing head height")
	}
	return height, nil
}

type rawTransaction struct {
	Hash string `json:"hash"`
	From string `json:"from"`
	To   string `json:"to"`
}

type rawBlock struct {
	Number       string           `json:"number"`
	Hash         string           `json:"hash"`
	Timestamp    string           `json:"timestamp"`
	Transactions []rawTransaction `json:"transactions"`
}

// GetBlock fetches one block with its transactions.
func (c *Client) GetBlock(ctx context.Context, height uint64) (*domain.Block, []domain.Transaction, error) {
	var raw rawBlock
	params := []any{fmt.Sprintf("0x%x", height), true}
	if err := c.call(ctx, "eth_getBlockByNumber", params, &raw); err != nil {
		return nil, nil, err
	}
	if raw.Hash == "" {
		return nil, nil, errors.Errorf("block [%d] not found", height)
	}
	block, txs, err := convertBlock(&raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "converting block [%d]", height)
	}
	return block, txs, nil
}

// GetTransferLogs fetches all ERC-20 transfer logs in the inclusive height
// range [from, to].
func (c *Client) GetTransferLogs(ctx context.Context, from, to uint64) ([]Log, error) {
	filter := map[string]any{
		"fromBlock": fmt.Sprintf("0x%x", from),
		"toBlock":   fmt.Sprintf("0x%x", to),
		"topics":    []any{TransferTopic},
	}
	var logs []Log
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func convertBlock(raw *rawBlock) (*domain.Block, []domain.Transaction, error) {
	height, err := ParseHexUint64(raw.Number)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing block number")
	}
	timestamp, err := ParseHexUint64(raw.Timestamp)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing block timestamp")
	}
	block := &domain.Block{
		Height:    height,
		Hash:      raw.Hash,
		Timestamp: timestamp,
	}
	txs := make([]domain.Transaction, 0, len(raw.Transactions))
	for _, tx := range raw.Transactions {
		txs = append(txs, domain.Transaction{
			Hash:   tx.Hash,
			Height: height,
			From:   tx.From,
			To:     tx.To,
			Status: 1,
		})
	}
	return block, txs, nil
}
