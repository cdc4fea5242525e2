package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icholy/digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tradeescrow/observability"
)

// RPCConfig describes how to reach the wallet and daemon RPC endpoints.
// Username and Password are the --rpc-login credentials, sent with HTTP Digest
// authentication.
type RPCConfig struct {
	WalletURL      string
	DaemonURL      string
	Username       string
	Password       string
	WalletPassword string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// RPCClient implements Capability against a monero-wallet-rpc style JSON-RPC
// endpoint. The endpoint keeps a single wallet open at a time, so Open blocks
// until the previous handle is closed.
type RPCClient struct {
	walletURL      string
	daemonURL      string
	walletPassword string
	httpClient     *http.Client
	tracer         trace.Tracer
	metrics        *observability.EscrowMetrics
	nextID         atomic.Int64

	slot chan struct{}
	mu   sync.Mutex
	open *Handle
}

// NewRPCClient constructs a client for the supplied endpoints.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	walletURL := strings.TrimRight(strings.TrimSpace(cfg.WalletURL), "/")
	if walletURL == "" {
		return nil, fmt.Errorf("walletrpc: wallet url required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.Username != "" {
		authed := *httpClient
		authed.Transport = &digest.Transport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: httpClient.Transport,
		}
		httpClient = &authed
	}
	return &RPCClient{
		walletURL:      walletURL + "/json_rpc",
		daemonURL:      daemonEndpoint(cfg.DaemonURL),
		walletPassword: cfg.WalletPassword,
		httpClient:     httpClient,
		tracer:         otel.Tracer("escrowd/wallet"),
		metrics:        observability.Escrow(),
		slot:           make(chan struct{}, 1),
	}, nil
}

func daemonEndpoint(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	return trimmed + "/json_rpc"
}

// Create creates a new wallet file and closes it again.
func (c *RPCClient) Create(ctx context.Context, name string) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()
	params := map[string]any{"filename": name, "password": c.walletPassword, "language": "English"}
	if err := c.call(ctx, c.walletURL, "create_wallet", params, nil); err != nil {
		return err
	}
	return c.call(ctx, c.walletURL, "close_wallet", map[string]any{"autosave_current": true}, nil)
}

// Open opens name and refreshes it against the daemon.
func (c *RPCClient) Open(ctx context.Context, name string) (*Handle, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	params := map[string]any{"filename": name, "password": c.walletPassword}
	if err := c.call(ctx, c.walletURL, "open_wallet", params, nil); err != nil {
		c.release()
		return nil, err
	}
	if err := c.call(ctx, c.walletURL, "refresh", map[string]any{}, nil); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCloseLimit)
		_ = c.call(closeCtx, c.walletURL, "close_wallet", map[string]any{"autosave_current": false}, nil)
		cancel()
		c.release()
		return nil, err
	}
	handle := &Handle{Name: name}
	c.mu.Lock()
	c.open = handle
	c.mu.Unlock()
	return handle, nil
}

// Close saves and closes the wallet and frees the endpoint for the next Open.
func (c *RPCClient) Close(ctx context.Context, h *Handle) error {
	if err := c.check(h); err != nil {
		return err
	}
	c.mu.Lock()
	c.open = nil
	c.mu.Unlock()
	defer c.release()
	return c.call(ctx, c.walletURL, "close_wallet", map[string]any{"autosave_current": true}, nil)
}

// Balance returns the primary account balance.
func (c *RPCClient) Balance(ctx context.Context, h *Handle) (Balance, error) {
	if err := c.check(h); err != nil {
		return Balance{}, err
	}
	var result struct {
		Balance         uint64 `json:"balance"`
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	if err := c.call(ctx, c.walletURL, "get_balance", map[string]any{"account_index": 0}, &result); err != nil {
		return Balance{}, err
	}
	return Balance{Total: result.Balance, Unlocked: result.UnlockedBalance}, nil
}

// PrepareMultisig returns the wallet's first multisig setup blob.
func (c *RPCClient) PrepareMultisig(ctx context.Context, h *Handle) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}
	var result struct {
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, c.walletURL, "prepare_multisig", map[string]any{}, &result); err != nil {
		return "", err
	}
	return result.MultisigInfo, nil
}

// MakeMultisig combines the peers' prepared blobs into an M-of-N wallet.
func (c *RPCClient) MakeMultisig(ctx context.Context, h *Handle, peers []string, threshold int) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}
	params := map[string]any{"multisig_info": peers, "threshold": threshold, "password": c.walletPassword}
	var result struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, c.walletURL, "make_multisig", params, &result); err != nil {
		return "", err
	}
	return result.MultisigInfo, nil
}

// ExchangeMultisigKeys runs one key exchange round.
func (c *RPCClient) ExchangeMultisigKeys(ctx context.Context, h *Handle, peers []string) (ExchangeResult, error) {
	if err := c.check(h); err != nil {
		return ExchangeResult{}, err
	}
	params := map[string]any{"multisig_info": peers, "password": c.walletPassword}
	var result struct {
		Address      string `json:"address"`
		MultisigInfo string `json:"multisig_info"`
	}
	if err := c.call(ctx, c.walletURL, "exchange_multisig_keys", params, &result); err != nil {
		return ExchangeResult{}, err
	}
	return ExchangeResult{Blob: result.MultisigInfo, Address: result.Address}, nil
}

// PrimaryAddress returns the wallet's primary address.
func (c *RPCClient) PrimaryAddress(ctx context.Context, h *Handle) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}
	var result struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, c.walletURL, "get_address", map[string]any{"account_index": 0}, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

// CreateTransaction builds an unsigned multisig transfer of amount atomic units.
func (c *RPCClient) CreateTransaction(ctx context.Context, h *Handle, destination string, amount uint64) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}
	params := map[string]any{
		"destinations":  []map[string]any{{"address": destination, "amount": amount}},
		"account_index": 0,
		"priority":      0,
	}
	var result struct {
		MultisigTxset string `json:"multisig_txset"`
	}
	if err := c.call(ctx, c.walletURL, "transfer", params, &result); err != nil {
		return "", err
	}
	if result.MultisigTxset == "" {
		return "", errors.New("walletrpc: transfer returned no multisig txset")
	}
	return result.MultisigTxset, nil
}

// SignPartial adds this wallet's signature to a partially signed blob.
func (c *RPCClient) SignPartial(ctx context.Context, h *Handle, blob string) (SignResult, error) {
	if err := c.check(h); err != nil {
		return SignResult{}, err
	}
	var result struct {
		TxDataHex  string   `json:"tx_data_hex"`
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, c.walletURL, "sign_multisig", map[string]any{"tx_data_hex": blob}, &result); err != nil {
		return SignResult{}, err
	}
	return SignResult{Blob: result.TxDataHex, TxIDs: result.TxHashList}, nil
}

// Submit relays a fully signed blob to the network.
func (c *RPCClient) Submit(ctx context.Context, h *Handle, blob string) ([]string, error) {
	if err := c.check(h); err != nil {
		return nil, err
	}
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := c.call(ctx, c.walletURL, "submit_multisig", map[string]any{"tx_data_hex": blob}, &result); err != nil {
		return nil, err
	}
	return result.TxHashList, nil
}

// CurrentHeight returns the wallet's synced height.
func (c *RPCClient) CurrentHeight(ctx context.Context, h *Handle) (uint64, error) {
	if err := c.check(h); err != nil {
		return 0, err
	}
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := c.call(ctx, c.walletURL, "get_height", map[string]any{}, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

// DaemonHeight returns the daemon's chain height.
func (c *RPCClient) DaemonHeight(ctx context.Context) (uint64, error) {
	if c.daemonURL == "" {
		return 0, errors.New("walletrpc: daemon url not configured")
	}
	var result struct {
		Count uint64 `json:"count"`
	}
	if err := c.call(ctx, c.daemonURL, "get_block_count", map[string]any{}, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// Reanchor restores the wallet's seed into a new wallet file scanning from
// height and leaves that wallet open on h. For a multisig wallet query_key
// returns the multisig seed, which the endpoint's restore_deterministic_wallet
// must accept. restore_deterministic_wallet refuses an existing filename, so
// every attempt uses a fresh one. On failure the original wallet is reopened.
func (c *RPCClient) Reanchor(ctx context.Context, h *Handle, height uint64) (string, error) {
	if err := c.check(h); err != nil {
		return "", err
	}
	var key struct {
		Key string `json:"key"`
	}
	if err := c.call(ctx, c.walletURL, "query_key", map[string]any{"key_type": "mnemonic"}, &key); err != nil {
		return "", err
	}
	if key.Key == "" {
		return "", errors.New("walletrpc: query_key returned an empty seed")
	}
	if err := c.call(ctx, c.walletURL, "close_wallet", map[string]any{"autosave_current": true}, nil); err != nil {
		return "", err
	}
	fresh := fmt.Sprintf("%s-r%d-%s", h.Name, height, strconv.FormatInt(time.Now().UnixNano(), 36))
	params := map[string]any{
		"filename":         fresh,
		"seed":             key.Key,
		"restore_height":   height,
		"password":         c.walletPassword,
		"language":         "English",
		"autosave_current": false,
	}
	if err := c.call(ctx, c.walletURL, "restore_deterministic_wallet", params, nil); err != nil {
		reopenCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCloseLimit)
		defer cancel()
		if reopenErr := c.call(reopenCtx, c.walletURL, "open_wallet", map[string]any{"filename": h.Name, "password": c.walletPassword}, nil); reopenErr != nil {
			return "", errors.Join(err, fmt.Errorf("walletrpc: reopen %s: %w", h.Name, reopenErr))
		}
		return "", err
	}
	c.mu.Lock()
	h.Name = fresh
	c.mu.Unlock()
	return fresh, nil
}

func (c *RPCClient) acquire(ctx context.Context) error {
	select {
	case c.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("walletrpc: waiting for wallet slot: %w", ctx.Err())
	}
}

func (c *RPCClient) release() {
	select {
	case <-c.slot:
	default:
	}
}

func (c *RPCClient) check(h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil || c.open != h {
		return ErrWalletClosed
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, url, method string, params any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "wallet."+method, trace.WithAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	))
	start := time.Now()
	defer func() {
		c.metrics.ObserveWalletCall(method, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	reqBody := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("walletrpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("walletrpc: %s: unexpected status %d", method, resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("walletrpc: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("walletrpc: %s: error %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("walletrpc: %s: empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var _ Capability = (*RPCClient)(nil)
