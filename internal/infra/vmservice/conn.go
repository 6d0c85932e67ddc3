package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"fluttermcp/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 64
)

// conn is one JSON-RPC 2.0 session with a Dart VM service.
type conn struct {
	ws      *websocket.Conn
	logger  *zap.Logger
	seq     atomic.Int64
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan callResult
	events    chan streamNotification
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func dial(ctx context.Context, uri string, logger *zap.Logger) (*conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("dial vm service %s: %w", uri, err)
	}
	return newConn(ws, logger), nil
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &conn{
		ws:      ws,
		logger:  logger,
		pending: make(map[string]chan callResult),
		events:  make(chan streamNotification, eventBuffer),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// call sends a request and waits for its response. The result is returned raw.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, domain.ErrConnectionClosed
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}
	key := fmt.Sprintf("%d", c.seq.Add(1))
	id, err := jsonrpc.MakeID(key)
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	resultCh := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return nil, domain.ErrConnectionClosed
	}
	c.pending[key] = resultCh
	c.mu.Unlock()

	if err := c.write(ctx, wire); err != nil {
		c.removePending(key)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, result.resp.Error)
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		c.removePending(key)
		return nil, ctx.Err()
	}
}

func (c *conn) write(ctx context.Context, wire []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	return c.ws.WriteMessage(websocket.TextMessage, wire)
}

// Events delivers stream notifications until the connection closes.
func (c *conn) Events() <-chan streamNotification {
	return c.events
}

// Done is closed once the connection is gone.
func (c *conn) Done() <-chan struct{} {
	return c.closed
}

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *conn) Close() error {
	return c.shutdown(domain.ErrConnectionClosed)
}

func (c *conn) shutdown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		c.failPending(cause)
	})
	return err
}

func (c *conn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			cause := domain.ErrConnectionClosed
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				cause = fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
			}
			_ = c.shutdown(cause)
			return
		}
		msg, err := jsonrpc.DecodeMessage(data)
		if err != nil {
			c.logger.Debug("drop undecodable vm service message", zap.Error(err))
			continue
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			c.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.Method != methodStreamNotify {
				continue
			}
			var note streamNotification
			if err := json.Unmarshal(typed.Params, &note); err != nil {
				c.logger.Debug("drop malformed stream notification", zap.Error(err))
				continue
			}
			select {
			case c.events <- note:
			case <-c.closed:
				return
			}
		}
	}
}

func (c *conn) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		c.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	c.mu.Lock()
	ch := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ch == nil {
		return
	}
	ch <- callResult{resp: resp}
}

func (c *conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

func (c *conn) removePending(key string) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	switch raw := id.Raw().(type) {
	case string:
		return raw, nil
	case int64:
		return fmt.Sprintf("%d", raw), nil
	case float64:
		return fmt.Sprintf("%d", int64(raw)), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

// rpcErrorCode extracts the JSON-RPC error code from err, if any.
func rpcErrorCode(err error) (int64, bool) {
	var wire *jsonrpc.Error
	if errors.As(err, &wire) {
		return wire.Code, true
	}
	return 0, false
}
