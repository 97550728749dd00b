// Package beam relays chat from a beam.pro channel.
//
// A Module resolves the channel's chat socket in two HTTP steps (channel
// metadata by username, then the socket endpoint list by channel id), opens
// the websocket, authenticates once the server sends its welcome event, and
// republishes chat lines as message.Message values on an event.Bus.
//
//	m, err := beam.New(nil, beam.Options{}, "https://beam.pro/somechannel")
//	m.Subscribe(event.EventMessage, func(p any) { fmt.Println(p.(message.Message).Message) })
//	m.Connect(ctx)
//
// The module never reconnects on its own: after close, call Connect again.
package beam

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/john/chatrelay/internal/event"
	"github.com/john/chatrelay/internal/message"
)

const (
	DefaultName      = "oba:chat:beam"
	DefaultBaseURL   = "https://beam.pro"
	DefaultOrigin    = "https://beam.pro"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/56.0.2924.87 Safari/537.36"

	DefaultKeepaliveDelay   = 5 * time.Second
	DefaultHTTPTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// Options tunes a Module. Zero values select the defaults.
type Options struct {
	// Module overrides the configuration derived from the channel URL.
	// Non-empty fields win; Caster is merged field by field.
	Module message.Module

	BaseURL   string
	Origin    string
	UserAgent string

	// KeepaliveDelay is how long after the socket opens the single keepalive
	// ping is sent. Negative disables it.
	KeepaliveDelay   time.Duration
	HTTPTimeout      time.Duration
	HandshakeTimeout time.Duration

	// HTTPClient is used for the resolution requests. If its Jar is nil a
	// private cookie jar is attached to a copy.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zerolog.Logger

	// Rand returns a uniform int in [0, n). Defaults to math/rand/v2.
	Rand func(n int) int
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.Origin == "" {
		o.Origin = DefaultOrigin
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.KeepaliveDelay == 0 {
		o.KeepaliveDelay = DefaultKeepaliveDelay
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = DefaultHTTPTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Rand == nil {
		o.Rand = rand.Intn
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Module is the public entry point for one channel.
type Module struct {
	config   message.Module
	bus      *event.Bus
	resolver *resolver
	socket   *Socket
	logger   zerolog.Logger
}

// ParseChannelURL derives the channel reference from a channel URL: the first
// path segment is both the username and the identify value.
func ParseChannelURL(rawURL string) (message.Caster, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return message.Caster{}, fmt.Errorf("parse channel url: %w", err)
	}

	var username string
	if segments := strings.Split(u.Path, "/"); len(segments) > 1 {
		username = segments[1]
	}
	return message.Caster{Username: username, Identify: username}, nil
}

// New creates a module for the channel at rawURL. A nil bus gives the module
// a private one; events are published there either way.
func New(bus *event.Bus, opts Options, rawURL string) (*Module, error) {
	caster, err := ParseChannelURL(rawURL)
	if err != nil {
		return nil, err
	}

	defaults := message.Module{Name: DefaultName, Source: rawURL, Caster: caster}
	cfg := defaults.Merge(opts.Module)
	if cfg.Caster.Username == "" {
		return nil, fmt.Errorf("channel url %q has no username segment", rawURL)
	}

	if bus == nil {
		bus = event.New()
	}
	opts = opts.withDefaults()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := &http.Client{Timeout: opts.HTTPTimeout, Jar: jar}
	if opts.HTTPClient != nil {
		c := *opts.HTTPClient
		if c.Jar == nil {
			c.Jar = jar
		}
		client = &c
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		Jar:              client.Jar,
	}
	if opts.Dialer != nil {
		dialer = opts.Dialer
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "beam").Str("channel", cfg.Caster.Username).Logger()

	r := &resolver{
		client:    client,
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		username:  cfg.Caster.Username,
		intn:      opts.Rand,
		logger:    logger,
	}

	m := &Module{
		config:   cfg,
		bus:      bus,
		resolver: r,
		logger:   logger,
	}
	m.socket = newSocket(r, NewTranslator(DefaultRegistrations()...), dialer, opts.Origin,
		opts.KeepaliveDelay, cfg, opts.Now, logger)

	m.forward(event.EventConnect)
	m.forward(event.EventError)
	m.forward(event.EventClose)
	m.forward(event.EventMessage)

	return m, nil
}

// forward re-publishes a socket event on the module bus. Lifecycle events
// carry no payload outside the module.
func (m *Module) forward(name string) {
	m.socket.events.Subscribe(name, func(payload any) {
		switch name {
		case event.EventConnect, event.EventClose:
			m.bus.Publish(name, nil)
		default:
			m.bus.Publish(name, payload)
		}
	})
}

// Connect opens the chat connection in the background. Outcomes are reported
// through connect, error and close events.
func (m *Module) Connect(ctx context.Context) { m.socket.Connect(ctx) }

// Disconnect closes the chat connection, if any.
func (m *Module) Disconnect() { m.socket.Disconnect() }

// Meta fetches the channel metadata.
func (m *Module) Meta(ctx context.Context) (*ChannelMeta, error) { return m.resolver.meta(ctx) }

// Sock fetches the chat endpoints for a channel id and returns one at random.
func (m *Module) Sock(ctx context.Context, id ChannelID) (string, error) {
	return m.resolver.sock(ctx, id)
}

// Config returns the merged module configuration.
func (m *Module) Config() message.Module { return m.config }

// State returns the connection lifecycle state.
func (m *Module) State() State { return m.socket.State() }

// Subscribe registers h for the named module event.
func (m *Module) Subscribe(name string, h event.Handler) *event.Subscription {
	return m.bus.Subscribe(name, h)
}
