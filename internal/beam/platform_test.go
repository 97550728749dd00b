package beam

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/john/chatrelay/internal/event"
)

const testOrigin = "https://beam.pro"

// fakePlatform mocks the channel API and the chat socket on one test server.
type fakePlatform struct {
	t      *testing.T
	server *httptest.Server

	// Handlers may be replaced before the module connects.
	MetaHandler  http.HandlerFunc
	ChatsHandler http.HandlerFunc

	ChannelID string   // raw JSON value of the metadata id
	Endpoints []string // nil means the server's own socket URL

	// SocketGate, when set, holds socket handshakes until it is closed.
	SocketGate    chan struct{}
	socketEntered chan struct{}

	metaHits    atomic.Int32
	chatsHits   atomic.Int32
	socketHits  atomic.Int32
	chatsCookie atomic.Value // string

	mu      sync.Mutex
	headers []http.Header
	conns   []*websocket.Conn

	connCh chan *websocket.Conn
	frames chan []byte
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{
		t:             t,
		ChannelID:     "42",
		connCh:        make(chan *websocket.Conn, 8),
		socketEntered: make(chan struct{}, 8),
		frames:        make(chan []byte, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/channels/", func(w http.ResponseWriter, r *http.Request) {
		p.metaHits.Add(1)
		p.recordHeaders(r)
		if p.MetaHandler != nil {
			p.MetaHandler(w, r)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "beam-session", Value: "affinity", Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%s,"token":"alice","name":"alice's stream","online":true,"viewersCurrent":7}`, p.ChannelID)
	})
	mux.HandleFunc("/api/v1/chats/", func(w http.ResponseWriter, r *http.Request) {
		p.chatsHits.Add(1)
		p.recordHeaders(r)
		if c, err := r.Cookie("beam-session"); err == nil {
			p.chatsCookie.Store(c.Value)
		}
		if p.ChatsHandler != nil {
			p.ChatsHandler(w, r)
			return
		}
		endpoints := p.Endpoints
		if endpoints == nil {
			endpoints = []string{p.SocketURL()}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"endpoints": endpoints, "authkey": "key"})
	})
	mux.HandleFunc("/socket", p.handleSocket)

	p.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		p.mu.Lock()
		for _, c := range p.conns {
			_ = c.Close()
		}
		p.mu.Unlock()
		p.server.Close()
	})
	return p
}

func (p *fakePlatform) URL() string { return p.server.URL }

func (p *fakePlatform) SocketURL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/socket"
}

func (p *fakePlatform) recordHeaders(r *http.Request) {
	p.mu.Lock()
	p.headers = append(p.headers, r.Header.Clone())
	p.mu.Unlock()
}

func (p *fakePlatform) requestHeaders() []http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]http.Header(nil), p.headers...)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (p *fakePlatform) handleSocket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Origin") != testOrigin {
		http.Error(w, "bad origin", http.StatusForbidden)
		return
	}
	if p.SocketGate != nil {
		p.socketEntered <- struct{}{}
		select {
		case <-p.SocketGate:
		case <-r.Context().Done():
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p.socketHits.Add(1)
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.connCh <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case p.frames <- data:
		default:
		}
	}
}

// acceptConn waits for the module to open the chat socket.
func (p *fakePlatform) acceptConn() *websocket.Conn {
	p.t.Helper()
	select {
	case c := <-p.connCh:
		return c
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for socket connection")
		return nil
	}
}

// nextFrame returns the next frame the module wrote, decoded.
func (p *fakePlatform) nextFrame() map[string]any {
	p.t.Helper()
	select {
	case data := <-p.frames:
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			p.t.Fatalf("module sent invalid JSON %q: %v", data, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (p *fakePlatform) expectNoFrame(d time.Duration) {
	p.t.Helper()
	select {
	case data := <-p.frames:
		p.t.Fatalf("unexpected frame %s", data)
	case <-time.After(d):
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// newTestModule builds a module against the fake platform with keepalive off.
func newTestModule(t *testing.T, p *fakePlatform, opts Options) *Module {
	t.Helper()
	opts.BaseURL = p.URL()
	if opts.Origin == "" {
		opts.Origin = testOrigin
	}
	if opts.KeepaliveDelay == 0 {
		opts.KeepaliveDelay = -1
	}
	m, err := New(nil, opts, "https://beam.pro/alice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

type recorded struct {
	name    string
	payload any
}

// recordEvents captures every consumer-facing event in order.
func recordEvents(m *Module) <-chan recorded {
	ch := make(chan recorded, 64)
	for _, name := range []string{event.EventConnect, event.EventError, event.EventClose, event.EventMessage} {
		name := name
		m.Subscribe(name, func(payload any) { ch <- recorded{name: name, payload: payload} })
	}
	return ch
}

func expectEvent(t *testing.T, events <-chan recorded, name string) any {
	t.Helper()
	select {
	case ev := <-events:
		if ev.name != name {
			t.Fatalf("got event %q (%v), want %q", ev.name, ev.payload, name)
		}
		return ev.payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q event", name)
		return nil
	}
}

func expectNoEvent(t *testing.T, events <-chan recorded, d time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected %q event (%v)", ev.name, ev.payload)
	case <-time.After(d):
	}
}

func connect(t *testing.T, m *Module, p *fakePlatform, events <-chan recorded) *websocket.Conn {
	t.Helper()
	m.Connect(context.Background())
	conn := p.acceptConn()
	expectEvent(t, events, event.EventConnect)
	return conn
}
