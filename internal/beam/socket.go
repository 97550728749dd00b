package beam

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/john/chatrelay/internal/event"
	"github.com/john/chatrelay/internal/message"
	"github.com/john/chatrelay/internal/telemetry"
)

// State is the connection lifecycle state.
type State int

const (
	// StateIdle means Connect has never been called.
	StateIdle State = iota

	// StateResolving means channel metadata and the socket endpoint are being looked up.
	StateResolving

	// StateHandshaking means the socket is open and waiting for the welcome event.
	StateHandshaking

	// StateLive means the auth call has been sent.
	StateLive

	// StateClosed means the last connection has ended.
	StateClosed

	// StateError means the connection failed; a close always follows.
	StateError
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateHandshaking:
		return "handshaking"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// methodCall is an outbound remote procedure call frame.
type methodCall struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Method    string `json:"method"`
	Arguments []any  `json:"arguments"`
}

// inboundFrame is the envelope of every frame the chat socket sends.
type inboundFrame struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type chatData struct {
	UserName string `json:"user_name"`
	Message  struct {
		Message []segment `json:"message"`
	} `json:"message"`
}

type segment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// render flattens message segments to plain text. Non-text segments are
// wrapped in parentheses.
func render(segments []segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(seg.Text)
			continue
		}
		b.WriteString("(")
		b.WriteString(seg.Text)
		b.WriteString(")")
	}
	return b.String()
}

type timer interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// session is one connection attempt, from Connect until close.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	// Guarded by Socket.mu.
	conn      *websocket.Conn
	channelID ChannelID
	timer     timer
	cancelled bool
	closed    bool

	writeMu sync.Mutex
	nextID  int // guarded by writeMu
}

// call writes a method frame with the next message id.
func (sess *session) call(conn *websocket.Conn, method string, args ...any) error {
	if args == nil {
		args = []any{}
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	frame := methodCall{ID: sess.nextID, Type: "method", Method: method, Arguments: args}
	sess.nextID++
	return conn.WriteJSON(frame)
}

// Socket is the connection state machine. It publishes connect, error, close
// and message events on its own bus; Module forwards them to consumers.
type Socket struct {
	resolver   *resolver
	translator *Translator
	dialer     *websocket.Dialer
	origin     string
	keepalive  time.Duration
	module     message.Module
	now        func() time.Time
	afterFunc  func(time.Duration, func()) timer
	logger     zerolog.Logger
	events     *event.Bus

	mu    sync.Mutex
	state State
	sess  *session
}

func newSocket(r *resolver, t *Translator, dialer *websocket.Dialer, origin string, keepalive time.Duration, module message.Module, now func() time.Time, logger zerolog.Logger) *Socket {
	s := &Socket{
		resolver:   r,
		translator: t,
		dialer:     dialer,
		origin:     origin,
		keepalive:  keepalive,
		module:     module,
		now:        now,
		afterFunc:  realAfterFunc,
		logger:     logger,
		events:     event.New(),
	}

	s.events.Subscribe(event.EventConnect, func(payload any) {
		s.armKeepalive(payload.(*session))
	})
	s.events.Subscribe(event.EventClose, func(payload any) {
		s.stopKeepalive(payload.(*session))
	})

	return s
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Connect starts resolving and opening the chat socket in the background.
// It is a no-op unless the socket is idle or closed. Cancelling ctx has the
// same effect as Disconnect.
func (s *Socket) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateClosed {
		state := s.state
		s.mu.Unlock()
		s.logger.Debug().Str("state", state.String()).Msg("connect ignored, connection already active")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	sess := &session{id: uuid.NewString(), ctx: runCtx, cancel: cancel}
	sess.logger = s.logger.With().Str("session", sess.id).Logger()
	s.sess = sess
	s.state = StateResolving
	s.mu.Unlock()

	go s.run(sess)
}

// Disconnect closes the current connection, or abandons the current
// resolution. It does nothing when there is no connection.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()

	if sess == nil {
		return
	}
	s.requestClose(sess)
}

func (s *Socket) run(sess *session) {
	stop := context.AfterFunc(sess.ctx, func() { s.requestClose(sess) })
	defer stop()

	conn, err := s.open(sess)
	if err != nil {
		s.abort(sess, err)
		return
	}

	telemetry.CountConnection("opened")
	telemetry.SetConnected(true)
	sess.logger.Info().Msg("chat socket open")
	s.events.Publish(event.EventConnect, sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !s.expectedClose(sess, err) {
				sess.logger.Warn().Err(err).Msg("chat socket read failed")
				s.setState(StateError)
				s.events.Publish(event.EventError, err)
			}
			break
		}
		s.handleFrame(sess, conn, data)
	}

	_ = conn.Close()
	telemetry.SetConnected(false)
	s.finish(sess)
}

// open resolves the endpoint and dials it. The cancellation flag is checked
// before and after dialing so a Disconnect during resolution never leaves a
// socket behind.
func (s *Socket) open(sess *session) (*websocket.Conn, error) {
	meta, err := s.resolver.meta(sess.ctx)
	if err != nil {
		return nil, err
	}
	endpoint, err := s.resolver.sock(sess.ctx, meta.ID)
	if err != nil {
		return nil, err
	}
	if s.cancelled(sess) {
		return nil, context.Canceled
	}

	sess.logger.Debug().Str("endpoint", endpoint).Msg("dialing chat socket")
	header := http.Header{}
	header.Set("Origin", s.origin)
	conn, _, err := s.dialer.DialContext(sess.ctx, endpoint, header)
	if err != nil {
		return nil, wrapError(ErrorNetwork, "dial chat socket", err)
	}

	s.mu.Lock()
	if sess.cancelled {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	sess.conn = conn
	sess.channelID = meta.ID
	s.state = StateHandshaking
	s.mu.Unlock()

	return conn, nil
}

// abort ends a session that never got a socket. Requested cancellations only
// publish close.
func (s *Socket) abort(sess *session, err error) {
	if s.cancelled(sess) {
		telemetry.CountConnection("cancelled")
		sess.logger.Info().Msg("connection abandoned before socket opened")
	} else {
		telemetry.CountConnection("failed")
		sess.logger.Error().Err(err).Msg("failed to open chat socket")
		s.setState(StateError)
		s.events.Publish(event.EventError, err)
	}
	s.finish(sess)
}

// finish clears the handle and publishes close.
func (s *Socket) finish(sess *session) {
	s.mu.Lock()
	sess.closed = true
	sess.conn = nil
	if s.sess == sess {
		s.sess = nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	sess.cancel()
	sess.logger.Info().Msg("chat socket closed")
	s.events.Publish(event.EventClose, sess)
}

func (s *Socket) cancelled(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.cancelled
}

// requestClose marks the session cancelled, aborts in-flight lookups and
// closes the transport if it is open. The read loop then drives close.
func (s *Socket) requestClose(sess *session) {
	s.mu.Lock()
	if sess.closed || sess.cancelled {
		s.mu.Unlock()
		return
	}
	sess.cancelled = true
	conn := sess.conn
	s.mu.Unlock()

	sess.cancel()
	if conn == nil {
		return
	}

	sess.logger.Debug().Msg("closing chat socket")
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

func (s *Socket) expectedClose(sess *session, err error) bool {
	if s.cancelled(sess) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (s *Socket) handleFrame(sess *session, conn *websocket.Conn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		telemetry.CountDropped("malformed")
		sess.logger.Warn().Err(err).Msg("dropping malformed frame")
		s.events.Publish(event.EventError, wrapError(ErrorProtocol, "decode socket frame", err))
		return
	}

	name, ok := s.translator.Translate(frame.Event)
	if !ok {
		telemetry.CountDropped("untranslated")
		sess.logger.Debug().Str("type", frame.Type).Str("event", frame.Event).Msg("ignoring frame")
		return
	}

	switch name {
	case eventWelcome:
		s.authenticate(sess, conn)
	case eventChat:
		s.relayChat(sess, frame.Data)
	}
}

func (s *Socket) authenticate(sess *session, conn *websocket.Conn) {
	s.mu.Lock()
	channelID := sess.channelID
	s.mu.Unlock()

	if err := sess.call(conn, "auth", channelID, nil, nil); err != nil {
		sess.logger.Warn().Err(err).Msg("failed to send auth")
		return
	}

	s.mu.Lock()
	if s.sess == sess {
		s.state = StateLive
	}
	s.mu.Unlock()
	sess.logger.Info().Str("channel_id", channelID.String()).Msg("authenticated")
}

func (s *Socket) relayChat(sess *session, data json.RawMessage) {
	var chat chatData
	// An absent data field reads as null: an empty message.
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Unmarshal(data, &chat); err != nil {
		telemetry.CountDropped("malformed")
		sess.logger.Warn().Err(err).Msg("dropping malformed chat message")
		s.events.Publish(event.EventError, wrapError(ErrorProtocol, "decode chat message", err))
		return
	}

	msg := message.Message{
		Module:    s.module,
		Username:  chat.UserName,
		Nickname:  chat.UserName,
		Message:   render(chat.Message.Message),
		Timestamp: s.now().UnixMilli(),
	}
	telemetry.CountMessage()
	s.events.Publish(event.EventMessage, msg)
}

// armKeepalive schedules the single keepalive ping for a freshly opened socket.
func (s *Socket) armKeepalive(sess *session) {
	if s.keepalive <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.closed {
		return
	}
	sess.timer = s.afterFunc(s.keepalive, func() { s.ping(sess) })
}

func (s *Socket) stopKeepalive(sess *session) {
	s.mu.Lock()
	t := sess.timer
	sess.timer = nil
	s.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}

func (s *Socket) ping(sess *session) {
	s.mu.Lock()
	conn := sess.conn
	live := s.sess == sess && !sess.closed && conn != nil
	s.mu.Unlock()
	if !live {
		return
	}

	if err := sess.call(conn, "ping"); err != nil {
		sess.logger.Warn().Err(err).Msg("failed to send keepalive")
		return
	}
	telemetry.CountKeepalive()
	sess.logger.Debug().Msg("keepalive sent")
}
