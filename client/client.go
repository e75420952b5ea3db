// Package client provides a Go client for the taoflow HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrTradeInFlight is returned when a direct trade is denied because a
// trade is already running for the pair.
var ErrTradeInFlight = errors.New("a trade is already in flight for this pair")

// DividendResult is the answer to a single-pair dividend query.
// Amounts are in rao.
type DividendResult struct {
	Netuid           int64   `json:"netuid"`
	Hotkey           string  `json:"hotkey"`
	Dividend         int64   `json:"dividend"`
	Cached           bool    `json:"cached"`
	StakeTxTriggered bool    `json:"stake_tx_triggered"`
	TaskID           *string `json:"task_id,omitempty"`
	TxHash           *string `json:"tx_hash"`
}

// SubnetDividendsResult is the answer to a whole-subnet dividend query.
type SubnetDividendsResult struct {
	Netuid           int64             `json:"netuid"`
	Dividends        []*DividendResult `json:"dividends"`
	Cached           bool              `json:"cached"`
	StakeTxTriggered bool              `json:"stake_tx_triggered"`
}

// Transaction is a settled stake or unstake submission.
type Transaction struct {
	ID             int64     `json:"id"`
	TaskID         *string   `json:"task_id,omitempty"`
	Netuid         int64     `json:"netuid"`
	Hotkey         string    `json:"hotkey"`
	OperationType  string    `json:"operation_type"`
	Amount         int64     `json:"amount"`
	TxHash         *string   `json:"tx_hash,omitempty"`
	Status         string    `json:"status"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TradeResult is the response to a direct stake or unstake.
type TradeResult struct {
	StakeTxTriggered bool        `json:"stake_tx_triggered"`
	Transaction      Transaction `json:"transaction"`
}

// TradeTask is the status of a sentiment trade.
type TradeTask struct {
	TaskID         string    `json:"task_id"`
	Netuid         int64     `json:"netuid"`
	Hotkey         string    `json:"hotkey"`
	State          string    `json:"state"`
	SentimentScore *float64  `json:"sentiment_score,omitempty"`
	Direction      string    `json:"direction"`
	Amount         int64     `json:"amount"`
	TxHash         *string   `json:"tx_hash,omitempty"`
	Error          *string   `json:"error,omitempty"`
	RequestedAt    time.Time `json:"requested_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DividendRecord is a persisted dividend observation.
type DividendRecord struct {
	ID         int64     `json:"id"`
	Netuid     int64     `json:"netuid"`
	Hotkey     string    `json:"hotkey"`
	Dividend   int64     `json:"dividend"`
	ObservedAt time.Time `json:"observed_at"`
}

// HistoryFilter narrows history queries. Nil fields match everything.
type HistoryFilter struct {
	Netuid        *int64
	Hotkey        *string
	OperationType *string // stake transactions only
	State         *string // trade tasks only
	Limit         int32
	Offset        int32
}

// Client is the HTTP client for the taoflow dividend service.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new dividend service client. The authToken is sent
// as a bearer token on every /api/v1 request.
func NewClient(baseURL, authToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetTaoDividend queries the dividend for one (netuid, hotkey) pair.
// When trade is set, the server triggers a sentiment trade for the pair.
func (c *Client) GetTaoDividend(ctx context.Context, netuid int64, hotkey string, trade bool) (*DividendResult, error) {
	q := url.Values{}
	q.Set("netuid", strconv.FormatInt(netuid, 10))
	q.Set("hotkey", hotkey)
	if trade {
		q.Set("trade", "true")
	}

	var result DividendResult
	if err := c.get(ctx, "/api/v1/tao_dividends?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDefaultTaoDividend queries the server's configured default pair.
func (c *Client) GetDefaultTaoDividend(ctx context.Context, trade bool) (*DividendResult, error) {
	path := "/api/v1/tao_dividends"
	if trade {
		path += "?trade=true"
	}

	var result DividendResult
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSubnetDividends queries dividends for every hotkey on a subnet.
func (c *Client) GetSubnetDividends(ctx context.Context, netuid int64, trade bool) (*SubnetDividendsResult, error) {
	q := url.Values{}
	q.Set("netuid", strconv.FormatInt(netuid, 10))
	if trade {
		q.Set("trade", "true")
	}

	var result SubnetDividendsResult
	if err := c.get(ctx, "/api/v1/tao_dividends?"+q.Encode(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Stake submits a direct stake of amount rao for the pair.
func (c *Client) Stake(ctx context.Context, netuid int64, hotkey string, amount int64) (*TradeResult, error) {
	return c.directTrade(ctx, "/api/v1/blockchain/stake", netuid, hotkey, amount)
}

// Unstake submits a direct unstake of amount rao for the pair.
func (c *Client) Unstake(ctx context.Context, netuid int64, hotkey string, amount int64) (*TradeResult, error) {
	return c.directTrade(ctx, "/api/v1/blockchain/unstake", netuid, hotkey, amount)
}

func (c *Client) directTrade(ctx context.Context, path string, netuid int64, hotkey string, amount int64) (*TradeResult, error) {
	reqBody := map[string]interface{}{
		"netuid": netuid,
		"amount": amount,
	}
	if hotkey != "" {
		reqBody["hotkey"] = hotkey
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, "POST", path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, ErrTradeInFlight
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadGateway {
		return nil, c.parseErrorResponse(resp)
	}

	var result TradeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("direct trade submitted",
		"path", path, "netuid", netuid, "hotkey", hotkey, "amount", amount,
		"triggered", result.StakeTxTriggered,
	)
	return &result, nil
}

// DividendHistory retrieves persisted dividend observations, newest first.
func (c *Client) DividendHistory(ctx context.Context, filter HistoryFilter) ([]*DividendRecord, error) {
	var response struct {
		History []*DividendRecord `json:"history"`
	}
	if err := c.get(ctx, "/api/v1/blockchain/dividend-history?"+filter.encode(), &response); err != nil {
		return nil, err
	}
	return response.History, nil
}

// StakeTransactionHistory retrieves settled trades, newest first.
func (c *Client) StakeTransactionHistory(ctx context.Context, filter HistoryFilter) ([]*Transaction, error) {
	var response struct {
		Transactions []*Transaction `json:"transactions"`
	}
	if err := c.get(ctx, "/api/v1/blockchain/stake-transaction-history?"+filter.encode(), &response); err != nil {
		return nil, err
	}
	return response.Transactions, nil
}

// ListTradeTasks retrieves sentiment trade tasks, newest first.
func (c *Client) ListTradeTasks(ctx context.Context, filter HistoryFilter) ([]*TradeTask, error) {
	var response struct {
		Tasks []*TradeTask `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/trade_tasks?"+filter.encode(), &response); err != nil {
		return nil, err
	}
	return response.Tasks, nil
}

// GetTradeTask retrieves one sentiment trade task by ID.
func (c *Client) GetTradeTask(ctx context.Context, taskID string) (*TradeTask, error) {
	var task TradeTask
	if err := c.get(ctx, "/api/v1/trade_tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", "/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// WorkerHealth checks the server's Temporal connectivity.
func (c *Client) WorkerHealth(ctx context.Context) error {
	req, err := c.newRequest(ctx, "GET", "/worker-health", nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// newRequest builds a request with the bearer token attached.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func (f HistoryFilter) encode() string {
	q := url.Values{}
	if f.Netuid != nil {
		q.Set("netuid", strconv.FormatInt(*f.Netuid, 10))
	}
	if f.Hotkey != nil {
		q.Set("hotkey", *f.Hotkey)
	}
	if f.OperationType != nil {
		q.Set("operation_type", *f.OperationType)
	}
	if f.State != nil {
		q.Set("state", *f.State)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.FormatInt(int64(f.Limit), 10))
	}
	if f.Offset > 0 {
		q.Set("offset", strconv.FormatInt(int64(f.Offset), 10))
	}
	return q.Encode()
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
