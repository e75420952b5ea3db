// Package bittensor talks to the Bittensor chain gateway, an HTTP sidecar
// that exposes subtensor queries and signed stake extrinsics.
package bittensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrUnavailable indicates the chain gateway could not be reached or
// returned a server error. Callers may retry these failures.
var ErrUnavailable = errors.New("chain gateway unavailable")

// Dividend is the Tao dividend observed for one (netuid, hotkey) pair.
// Values are in rao (1 TAO = 1e9 rao).
type Dividend struct {
	Netuid   int64  `json:"netuid"`
	Hotkey   string `json:"hotkey"`
	Dividend int64  `json:"dividend"`
}

// StakeReceipt is returned by the gateway when a stake or unstake
// extrinsic has been submitted and included.
type StakeReceipt struct {
	TxHash string `json:"tx_hash"`
	Block  int64  `json:"block"`
}

// StakeParams identifies the target and size of a stake operation.
type StakeParams struct {
	Netuid int64  `json:"netuid"`
	Hotkey string `json:"hotkey"`
	Amount int64  `json:"amount"` // rao
}

type gatewayError struct {
	Error string `json:"error"`
}

type dividendListResponse struct {
	Dividends []*Dividend `json:"dividends"`
}

// Client is an HTTP client for the chain gateway.
type Client struct {
	http         *resty.Client
	walletName   string
	walletHotkey string
	logger       *slog.Logger
}

// NewClient creates a chain gateway client. The wallet identifies which
// key the gateway signs stake extrinsics with.
func NewClient(baseURL, walletName, walletHotkey string, timeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{
		http:         httpClient,
		walletName:   walletName,
		walletHotkey: walletHotkey,
		logger:       logger,
	}
}

// GetTaoDividend queries the dividend for a single (netuid, hotkey) pair.
func (c *Client) GetTaoDividend(ctx context.Context, netuid int64, hotkey string) (*Dividend, error) {
	var out Dividend
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("netuid", fmt.Sprintf("%d", netuid)).
		SetPathParam("hotkey", hotkey).
		Get("/v1/dividends/{netuid}/{hotkey}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTaoDividends queries dividends for every hotkey registered on a subnet.
func (c *Client) ListTaoDividends(ctx context.Context, netuid int64) ([]*Dividend, error) {
	var out dividendListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("netuid", fmt.Sprintf("%d", netuid)).
		Get("/v1/dividends/{netuid}")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	return out.Dividends, nil
}

// SubmitStake submits an add_stake extrinsic through the gateway and
// returns the receipt once the extrinsic is included.
func (c *Client) SubmitStake(ctx context.Context, params StakeParams) (*StakeReceipt, error) {
	return c.submit(ctx, "/v1/stake", params)
}

// SubmitUnstake submits an unstake extrinsic through the gateway.
func (c *Client) SubmitUnstake(ctx context.Context, params StakeParams) (*StakeReceipt, error) {
	return c.submit(ctx, "/v1/unstake", params)
}

func (c *Client) submit(ctx context.Context, path string, params StakeParams) (*StakeReceipt, error) {
	if params.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", params.Amount)
	}

	body := map[string]any{
		"netuid":        params.Netuid,
		"hotkey":        params.Hotkey,
		"amount":        params.Amount,
		"wallet_name":   c.walletName,
		"wallet_hotkey": c.walletHotkey,
	}

	var out StakeReceipt
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	c.logger.Info("submitted stake extrinsic",
		"path", path,
		"netuid", params.Netuid,
		"hotkey", params.Hotkey,
		"amount", params.Amount,
		"tx_hash", out.TxHash)
	return &out, nil
}

// checkStatus maps gateway responses to errors. Server errors are wrapped
// in ErrUnavailable so callers can retry; client errors are terminal.
func (c *Client) checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() < 400:
		return nil
	case resp.StatusCode() >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gateway returned %d: %s", ErrUnavailable, resp.StatusCode(), gatewayMessage(resp))
	default:
		return fmt.Errorf("gateway rejected request with %d: %s", resp.StatusCode(), gatewayMessage(resp))
	}
}

func gatewayMessage(resp *resty.Response) string {
	var ge gatewayError
	if err := json.Unmarshal(resp.Body(), &ge); err == nil && ge.Error != "" {
		return ge.Error
	}
	return string(resp.Body())
}
