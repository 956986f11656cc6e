package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// A quiet feed is kept alive by pings; the read deadline is refreshed on
// each pong.
const readTimeout = 60 * time.Second

// TraceEvent is one inbound trace notification: the transaction hash plus
// the accounts it touched.
type TraceEvent struct {
	Hash     string   `json:"hash"`
	Accounts []string `json:"accounts"`
}

// Stream delivers trace notifications from the indexer feed.
type Stream interface {
	Run(ctx context.Context, onStatus func(connected bool))
	Traces() <-chan TraceEvent
	Errors() <-chan error
	Connected() bool
	Close()
}

// WSStream implements Stream over the indexer's JSON-RPC websocket feed.
// It loops Disconnected → Connecting → Connected forever: any transport
// close or error schedules a reconnect after a fixed delay, with no backoff
// growth and no attempt cap. The process is designed to run indefinitely.
type WSStream struct {
	url       string
	token     string
	watch     []string
	delay     time.Duration // injectable so tests can drive reconnects quickly
	pingEvery time.Duration // likewise
	log       *slog.Logger

	mu        sync.RWMutex
	connected bool
	wsConn    *websocket.Conn

	traceCh chan TraceEvent
	errCh   chan error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWSStream(wsURL, token string, watch []string, reconnectDelay time.Duration, logger *slog.Logger) *WSStream {
	return &WSStream{
		url:       wsURL,
		token:     token,
		watch:     watch,
		delay:     reconnectDelay,
		pingEvery: 25 * time.Second,
		log:       logger,
		traceCh:   make(chan TraceEvent, 1024),
		errCh:     make(chan error, 16),
	}
}

func (s *WSStream) Traces() <-chan TraceEvent { return s.traceCh }
func (s *WSStream) Errors() <-chan error      { return s.errCh }

func (s *WSStream) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *WSStream) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// Close stops the stream. The channels are closed by Run once it has
// unwound; closing them here would race the read loop's sends.
func (s *WSStream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.wsConn != nil {
		_ = s.wsConn.Close()
	}
	s.mu.Unlock()
}

func (s *WSStream) Run(ctx context.Context, onStatus func(connected bool)) {
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	// Run owns the outbound channels: every send happens on this goroutine,
	// so closing on exit cannot race a send.
	defer close(s.traceCh)
	defer close(s.errCh)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		ws, err := s.dial()
		if err != nil {
			s.setConnected(false)
			onStatus(false)
			s.emitErr(fmt.Errorf("dial: %w", err))
			s.sleep()
			continue
		}
		s.mu.Lock()
		s.wsConn = ws
		s.mu.Unlock()

		if err := s.subscribe(ws); err != nil {
			s.setConnected(false)
			onStatus(false)
			s.emitErr(fmt.Errorf("subscribe: %w", err))
			_ = ws.Close()
			s.sleep()
			continue
		}

		s.setConnected(true)
		onStatus(true)

		if err := s.readLoop(ws); err != nil {
			s.setConnected(false)
			onStatus(false)
			s.emitErr(err)
		}

		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.sleep()
	}
}

func (s *WSStream) dial() (*websocket.Conn, error) {
	h := http.Header{}
	if s.token != "" {
		h.Set("Authorization", "Bearer "+s.token)
	}
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := d.DialContext(s.ctx, s.url, h)
	return ws, err
}

type rpcRequest struct {
	ID      int      `json:"id"`
	JSONRPC string   `json:"jsonrpc"`
	Method  string   `json:"method"`
	Params  []string `json:"params"`
}

// subscribe enumerates all watched accounts in a single request. An empty
// watch list sends nothing and leaves the feed quiet.
func (s *WSStream) subscribe(ws *websocket.Conn) error {
	if len(s.watch) == 0 {
		return nil
	}
	return ws.WriteJSON(rpcRequest{
		ID:      1,
		JSONRPC: "2.0",
		Method:  "subscribe_trace",
		Params:  s.watch,
	})
}

type rpcFrame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (s *WSStream) readLoop(ws *websocket.Conn) error {
	defer func() { _ = ws.Close() }()

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Keepalive runs on its own goroutine: ReadMessage blocks for as long
	// as the feed stays quiet, so pings cannot be interleaved with reads.
	// WriteControl is safe to call concurrently with the read loop.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			case <-pingDone:
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}

		// Malformed frames are logged and dropped; they never close the
		// connection.
		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warn("dropping malformed frame", slog.String("err", err.Error()))
			continue
		}
		if frame.Method != "trace" {
			continue // ack, heartbeat, unrelated method
		}
		var tr TraceEvent
		if err := json.Unmarshal(frame.Params, &tr); err != nil || tr.Hash == "" {
			s.log.Warn("dropping malformed trace params")
			continue
		}

		select {
		case s.traceCh <- tr:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *WSStream) sleep() {
	select {
	case <-s.ctx.Done():
	case <-time.After(s.delay):
	}
}

func (s *WSStream) emitErr(err error) {
	select {
	case s.errCh <- err:
	default:
		// drop if buffer full
	}
}

// ---------- Test/mock stream (handy for pipeline tests & demos) ----------

type MockStream struct {
	traces    chan TraceEvent
	errors    chan error
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewMockStream() *MockStream {
	return &MockStream{
		traces:    make(chan TraceEvent, 16),
		errors:    make(chan error, 16),
		connected: true,
	}
}

func (m *MockStream) Run(ctx context.Context, onStatus func(connected bool)) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		onStatus(m.connected)
		<-m.ctx.Done()
	}()
}

func (m *MockStream) Traces() <-chan TraceEvent { return m.traces }
func (m *MockStream) Errors() <-chan error      { return m.errors }
func (m *MockStream) Connected() bool           { return m.connected }

func (m *MockStream) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	close(m.traces)
	close(m.errors)
}

// Helpers for tests
func (m *MockStream) SendTrace(tr TraceEvent) { m.traces <- tr }
func (m *MockStream) SendError(e error)       { m.errors <- e }
func (m *MockStream) SetConnected(c bool)     { m.connected = c }
