package tonapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMockStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := NewMockStream()

	statusCh := make(chan bool, 1)
	mock.Run(ctx, func(c bool) { statusCh <- c })

	select {
	case c := <-statusCh:
		if !c {
			t.Fatal("expected connected status")
		}
	case <-time.After(time.Second):
		t.Fatal("no status")
	}

	mock.SendTrace(TraceEvent{Hash: "h1", Accounts: []string{"0:abc"}})
	select {
	case got := <-mock.Traces():
		if got.Hash != "h1" {
			t.Fatalf("bad trace: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no trace")
	}

	mock.Close()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// wsTestServer upgrades each connection and hands it to accept.
func wsTestServer(t *testing.T, accept func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accept(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeOnConnectAndTraceDelivery(t *testing.T) {
	subCh := make(chan rpcRequest, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var sub rpcRequest
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subCh <- sub

		// Malformed frame first: must be dropped, not kill the connection.
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "trace",
			"params":  map[string]any{"hash": "h1", "accounts": []string{"0:abc"}},
		})
		// Keep the connection open until the client is done.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	s := NewWSStream(wsURL(srv), "tok", []string{"0:abc", "0:def"}, 50*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(bool) {})

	select {
	case sub := <-subCh:
		if sub.Method != "subscribe_trace" || sub.JSONRPC != "2.0" {
			t.Fatalf("bad subscribe: %+v", sub)
		}
		if len(sub.Params) != 2 || sub.Params[0] != "0:abc" {
			t.Fatalf("bad params: %v", sub.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe request")
	}

	select {
	case tr := <-s.Traces():
		if tr.Hash != "h1" {
			t.Fatalf("trace: %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trace delivered")
	}
}

func TestReconnectAfterClose(t *testing.T) {
	var conns atomic.Int64
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		var sub rpcRequest
		_ = conn.ReadJSON(&sub)
		if n == 1 {
			// Drop the first connection immediately.
			_ = conn.Close()
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"method": "trace",
			"params": map[string]any{"hash": "after-reconnect"},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	s := NewWSStream(wsURL(srv), "", []string{"0:abc"}, 20*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusCh := make(chan bool, 16)
	go s.Run(ctx, func(c bool) { statusCh <- c })

	select {
	case tr := <-s.Traces():
		if tr.Hash != "after-reconnect" {
			t.Fatalf("trace: %+v", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no trace after reconnect")
	}
	if conns.Load() < 2 {
		t.Fatalf("connections got %d want >=2", conns.Load())
	}
}

func TestCloseWhileConnected(t *testing.T) {
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var sub rpcRequest
		_ = conn.ReadJSON(&sub)
		// Hold the connection quiet until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	s := NewWSStream(wsURL(srv), "", []string{"0:abc"}, 10*time.Millisecond, testLogger())
	statusCh := make(chan bool, 16)
	go s.Run(context.Background(), func(c bool) { statusCh <- c })

	select {
	case c := <-statusCh:
		if !c {
			t.Fatal("expected connected status")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}

	// Close while the read loop is blocked mid-connection. Run must unwind
	// and close both channels without panicking.
	s.Close()

	for open := true; open; {
		select {
		case _, ok := <-s.Traces():
			open = ok
		case <-time.After(2 * time.Second):
			t.Fatal("trace channel not closed after Close")
		}
	}
	for open := true; open; {
		select {
		case _, ok := <-s.Errors():
			open = ok
		case <-time.After(2 * time.Second):
			t.Fatal("error channel not closed after Close")
		}
	}
}

func TestKeepalivePingsOnQuietFeed(t *testing.T) {
	pinged := make(chan struct{}, 4)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		// Send nothing; just service control frames.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	s := NewWSStream(wsURL(srv), "", []string{"0:abc"}, time.Hour, testLogger())
	s.pingEvery = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(bool) {})

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping on a quiet feed")
	}
}

func TestEmptyWatchListSendsNoSubscribe(t *testing.T) {
	got := make(chan []byte, 1)
	srv := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			got <- data
		}
	})
	defer srv.Close()

	s := NewWSStream(wsURL(srv), "", nil, time.Hour, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, func(bool) {})

	select {
	case data := <-got:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestActionUnmarshalKeepsRawTree(t *testing.T) {
	raw := `{"type": "NftPurchase", "nft": "0:abc", "amount": {"value": 1}}`
	var a Action
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatal(err)
	}
	if a.Type != "NftPurchase" {
		t.Fatalf("type got %q", a.Type)
	}
	if _, ok := a.Raw["amount"]; !ok {
		t.Fatal("raw tree lost")
	}
}
