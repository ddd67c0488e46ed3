// Package blockchain provides the Solana adapter: a WebSocket subscription
// for new liquidity pools and rate-limited JSON-RPC calls for slot and
// performance data.
package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/liquidsnipe/engine/internal/errs"
	"github.com/liquidsnipe/engine/pkg/types"
)

// DEX program descriptors the adapter watches for pool creation. Generic by
// design: a program id plus the log fragment marking pool initialization.
type ProgramDescriptor struct {
	Name         string
	ProgramID    string
	InitLogMatch string
}

// DefaultPrograms covers the major Solana DEX programs.
func DefaultPrograms() []ProgramDescriptor {
	return []ProgramDescriptor{
		{Name: "raydium", ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", InitLogMatch: "initialize2"},
		{Name: "orca", ProgramID: "whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc", InitLogMatch: "InitializePool"},
	}
}

// Client is the Solana adapter. New pools stream through Pools(); RPC
// methods go over HTTP with a shared rate limiter.
type Client struct {
	logger   *zap.Logger
	config   types.RPCConfig
	programs []ProgramDescriptor

	httpClient *http.Client
	limiter    *rate.Limiter

	mu        sync.Mutex
	wsConn    *websocket.Conn
	connected bool
	stopCh    chan struct{}

	pools     chan types.NewPoolEvent
	errors    chan error
	requestID atomic.Int64
	seenSigs  sync.Map
}

// NewClient creates the adapter. Initialize must be called before use.
func NewClient(logger *zap.Logger, config types.RPCConfig, programs []ProgramDescriptor) *Client {
	if len(programs) == 0 {
		programs = DefaultPrograms()
	}
	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	timeout := config.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:     logger.Named("solana"),
		config:     config,
		programs:   programs,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
		pools:      make(chan types.NewPoolEvent, 256),
		errors:     make(chan error, 16),
	}
}

// Initialize connects the WebSocket and subscribes to the watched programs.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.config.WSURL, nil)
	if err != nil {
		return errs.New(errs.CategoryConnection, "solana", "dial", err)
	}

	for i, p := range c.programs {
		sub := map[string]any{
			"jsonrpc": "2.0",
			"id":      i + 1,
			"method":  "logsSubscribe",
			"params": []any{
				map[string]any{"mentions": []string{p.ProgramID}},
				map[string]any{"commitment": c.commitment()},
			},
		}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return errs.New(errs.CategoryConnection, "solana", "logsSubscribe", err)
		}
	}

	c.wsConn = conn
	c.connected = true
	c.stopCh = make(chan struct{})
	go c.readLoop(conn, c.stopCh)

	c.logger.Info("connected", zap.String("ws_url", c.config.WSURL))
	return nil
}

// Shutdown closes the connection and stops the read loop. The Pools and
// Errors channels stay open so a later Initialize or Reconnect reuses them.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	close(c.stopCh)
	if c.wsConn != nil {
		c.wsConn.Close()
		c.wsConn = nil
	}
	c.connected = false
	c.logger.Info("disconnected")
}

// IsConnected returns the connection status.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pools streams discovered pools.
func (c *Client) Pools() <-chan types.NewPoolEvent { return c.pools }

// Errors streams adapter-level failures (including reconnect exhaustion).
func (c *Client) Errors() <-chan error { return c.errors }

// Reconnect tears the socket down and redials under the configured backoff
// policy.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Shutdown()

	policy := c.config.Reconnect
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 5
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}

	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		c.mu.Lock()
		lastErr = c.connectLocked(ctx)
		c.mu.Unlock()
		if lastErr == nil {
			return nil
		}

		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	err := errs.New(errs.CategoryConnection, "solana", "reconnect", lastErr,
		errs.WithSeverity(errs.SeverityCritical), errs.NotRecoverable(),
		errs.WithTags("maxReconnectAttemptsReached"))
	select {
	case c.errors <- err:
	default:
	}
	return err
}

// readLoop consumes WS notifications until the socket dies.
func (c *Client) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		var msg logsNotification
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-stopCh:
			default:
				c.logger.Warn("websocket read failed", zap.Error(err))
				select {
				case c.errors <- errs.New(errs.CategoryConnection, "solana", "read", err):
				default:
				}
			}
			return
		}
		if msg.Method != "logsNotification" {
			continue
		}
		c.handleLogs(msg.Params.Result.Value)
	}
}

type logsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Value logsValue `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

type logsValue struct {
	Signature string   `json:"signature"`
	Err       any      `json:"err"`
	Logs      []string `json:"logs"`
}

// handleLogs turns a pool-initialization log burst into a NewPoolEvent.
func (c *Client) handleLogs(v logsValue) {
	if v.Err != nil {
		return
	}
	program, ok := c.matchProgram(v.Logs)
	if !ok {
		return
	}
	if _, dup := c.seenSigs.LoadOrStore(v.Signature, struct{}{}); dup {
		return
	}

	event := types.NewPoolEvent{
		Signature: v.Signature,
		DEX:       program.Name,
		Timestamp: time.Now(),
	}
	// Pool and mint accounts come from the log body when present; the
	// strategy engine re-resolves anything missing.
	for _, line := range v.Logs {
		if addr, found := strings.CutPrefix(line, "Program log: pool: "); found {
			event.PoolAddress = addr
		}
		if addr, found := strings.CutPrefix(line, "Program log: mint_a: "); found {
			event.TokenA = addr
		}
		if addr, found := strings.CutPrefix(line, "Program log: mint_b: "); found {
			event.TokenB = addr
		}
	}

	select {
	case c.pools <- event:
	default:
		c.logger.Warn("pool stream full, event dropped",
			zap.String("signature", event.Signature),
		)
	}
}

func (c *Client) matchProgram(logs []string) (ProgramDescriptor, bool) {
	for _, p := range c.programs {
		for _, line := range logs {
			if strings.Contains(line, p.InitLogMatch) {
				return p, true
			}
		}
	}
	return ProgramDescriptor{}, false
}

// GetSlot returns the current slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	var result uint64
	err := c.rpcCall(ctx, "getSlot", []any{map[string]any{"commitment": c.commitment()}}, &result)
	return result, err
}

// GetRecentPerformanceSamples fetches slot-timing samples.
func (c *Client) GetRecentPerformanceSamples(ctx context.Context, limit int) ([]types.PerformanceSample, error) {
	if limit <= 0 {
		limit = 5
	}
	var raw []struct {
		Slot             uint64  `json:"slot"`
		NumSlots         uint64  `json:"numSlots"`
		NumTransactions  uint64  `json:"numTransactions"`
		SamplePeriodSecs float64 `json:"samplePeriodSecs"`
	}
	if err := c.rpcCall(ctx, "getRecentPerformanceSamples", []any{limit}, &raw); err != nil {
		return nil, err
	}
	out := make([]types.PerformanceSample, len(raw))
	for i, s := range raw {
		out[i] = types.PerformanceSample{
			Slot:             s.Slot,
			NumSlots:         s.NumSlots,
			NumTransactions:  s.NumTransactions,
			SamplePeriodSecs: s.SamplePeriodSecs,
		}
	}
	return out, nil
}

// rpcCall performs one rate-limited JSON-RPC request.
func (c *Client) rpcCall(ctx context.Context, method string, params []any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      c.requestID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.HTTPURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.New(errs.CategoryConnection, "solana", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.Newf(errs.CategoryConnection, "solana", method, "rpc status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if envelope.Error != nil {
		return errs.Newf(errs.CategoryConnection, "solana", method, "rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

func (c *Client) commitment() string {
	if c.config.Commitment == "" {
		return "confirmed"
	}
	return c.config.Commitment
}
