package beam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/john/chatrelay/internal/telemetry"
)

// ChannelID is the platform's channel identifier in its wire form. The API
// may return it as a number or a string; auth frames echo it back unchanged.
type ChannelID struct {
	raw json.RawMessage
}

// parseChannelID builds a ChannelID from text. Decimal input becomes a
// canonical JSON number, anything else a string id.
func parseChannelID(s string) ChannelID {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ChannelID{raw: json.RawMessage(strconv.FormatInt(n, 10))}
	}
	quoted, _ := json.Marshal(s)
	return ChannelID{raw: quoted}
}

// IsZero reports whether the id is absent.
func (id ChannelID) IsZero() bool {
	return len(id.raw) == 0 || string(id.raw) == "null"
}

// String returns the id as it appears in URLs.
func (id ChannelID) String() string {
	var s string
	if err := json.Unmarshal(id.raw, &s); err == nil {
		return s
	}
	return string(id.raw)
}

// MarshalJSON implements json.Marshaler.
func (id ChannelID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler. Only numbers, strings and null
// are accepted.
func (id *ChannelID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		id.raw = nil
		return nil
	}
	if len(b) == 0 || (b[0] != '"' && b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return fmt.Errorf("channel id must be a number or string, got %s", b)
	}
	id.raw = append(json.RawMessage(nil), b...)
	return nil
}

// ChannelMeta is the subset of the channel metadata response the module uses.
type ChannelMeta struct {
	ID             ChannelID `json:"id"`
	Token          string    `json:"token"`
	Name           string    `json:"name"`
	Online         bool      `json:"online"`
	ViewersCurrent int       `json:"viewersCurrent"`
}

// chatsResponse is the socket endpoint listing for a channel.
type chatsResponse struct {
	Endpoints []string `json:"endpoints"`
	Authkey   string   `json:"authkey"`
}

// resolver performs the two HTTP lookups that lead to a chat socket URL.
type resolver struct {
	client    *http.Client
	baseURL   string
	userAgent string
	username  string
	intn      func(n int) int
	logger    zerolog.Logger
}

// meta fetches channel metadata for the configured username.
func (r *resolver) meta(ctx context.Context) (*ChannelMeta, error) {
	target := fmt.Sprintf("%s/api/v1/channels/%s", r.baseURL, url.PathEscape(r.username))

	var meta ChannelMeta
	if err := r.getJSON(ctx, "meta", target, &meta); err != nil {
		return nil, err
	}
	if meta.ID.IsZero() {
		return nil, wrapError(ErrorDecode, "channel metadata has no id", nil)
	}

	r.logger.Debug().Str("channel_id", meta.ID.String()).Bool("online", meta.Online).Msg("resolved channel metadata")
	return &meta, nil
}

// sock fetches the endpoint list for a channel and picks one at random.
func (r *resolver) sock(ctx context.Context, id ChannelID) (string, error) {
	target := fmt.Sprintf("%s/api/v1/chats/%s", r.baseURL, url.PathEscape(id.String()))

	var chats chatsResponse
	if err := r.getJSON(ctx, "sock", target, &chats); err != nil {
		return "", err
	}
	if len(chats.Endpoints) == 0 {
		return "", ErrEmptyEndpointList
	}

	endpoint := chats.Endpoints[r.intn(len(chats.Endpoints))]
	r.logger.Debug().Int("candidates", len(chats.Endpoints)).Str("endpoint", endpoint).Msg("selected chat endpoint")
	return endpoint, nil
}

// referer is the channel's public page.
func (r *resolver) referer() string {
	return fmt.Sprintf("%s/%s", r.baseURL, r.username)
}

func (r *resolver) getJSON(ctx context.Context, step, target string, dest any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "beam."+step,
		attribute.String("beam.channel", r.username),
		attribute.String("http.url", target),
	)
	start := time.Now()
	defer func() {
		telemetry.ObserveResolve(step, err, time.Since(start))
		telemetry.RecordError(span, err)
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return wrapError(ErrorNetwork, "create request", err)
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Referer", r.referer())
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return wrapError(ErrorNetwork, step+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapError(ErrorNetwork, "read "+step+" response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return wrapError(ErrorNetwork,
			fmt.Sprintf("%s returned status %d", step, resp.StatusCode),
			errors.New(string(body[:min(100, len(body))])))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return wrapError(ErrorDecode, "decode "+step+" response", err)
	}
	return nil
}
