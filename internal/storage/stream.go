package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/noahxzhu/mission-notify/internal/model"
	"github.com/r3labs/sse/v2"
)

var (
	errStreamCancelled = errors.New("stream cancelled by server")
	errAuthRevoked     = errors.New("stream credential revoked")
)

// TokenSource yields a bearer token with database scopes.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Stream follows /missions through the Realtime Database REST streaming
// protocol and reports child_changed events.
type Stream struct {
	DatabaseURL string
	Tokens      TokenSource
	HTTPClient  *http.Client
	Logger      *slog.Logger
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

func NewStream(databaseURL string, tokens TokenSource, logger *slog.Logger) *Stream {
	return &Stream{
		DatabaseURL: databaseURL,
		Tokens:      tokens,
		HTTPClient:  http.DefaultClient,
		Logger:      logger.With("component", "mission_stream"),
		MinBackoff:  time.Second,
		MaxBackoff:  time.Minute,
	}
}

// maxEventSize bounds a single event; the initial put carries the whole
// collection.
const maxEventSize = 16 << 20

func (s *Stream) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.MinBackoff
	b.MaxInterval = s.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s *Stream) newClient(strategy backoff.BackOff) *sse.Client {
	base := http.DefaultTransport
	if s.HTTPClient != nil && s.HTTPClient.Transport != nil {
		base = s.HTTPClient.Transport
	}

	client := sse.NewClient(strings.TrimRight(s.DatabaseURL, "/")+"/missions.json", sse.ClientMaxBufferSize(maxEventSize))
	client.Connection = &http.Client{Transport: &tokenTransport{tokens: s.Tokens, base: base}}
	client.ReconnectStrategy = strategy
	client.ReconnectNotify = func(err error, next time.Duration) {
		s.Logger.Warn("Mission stream interrupted", "error", err, "retry_in", next)
	}
	return client
}

// WatchMissions blocks until ctx is done, reconnecting whenever the stream
// drops. Transport failures back off exponentially between MinBackoff and
// MaxBackoff; a clean close, a cancel or a revoked credential waits
// MinBackoff before resubscribing.
func (s *Stream) WatchMissions(ctx context.Context, fn func(model.MissionChange)) error {
	strategy := s.newBackOff()
	client := s.newClient(strategy)

	for {
		connCtx, stop := context.WithCancelCause(ctx)
		tracker := newChangeTracker()

		err := client.SubscribeRawWithContext(connCtx, func(ev *sse.Event) {
			strategy.Reset()
			keys, err := tracker.apply(string(ev.Event), ev.Data)
			if err != nil {
				stop(err)
				return
			}
			now := time.Now()
			for _, key := range keys {
				fn(model.MissionChange{Key: key, At: now})
			}
		})
		if cause := context.Cause(connCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
		stop(nil)
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, errAuthRevoked) {
			s.Logger.Info("Stream credential revoked, reconnecting", "retry_in", s.MinBackoff)
		} else {
			s.Logger.Warn("Mission stream closed", "error", err, "retry_in", s.MinBackoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.MinBackoff):
		}
	}
}

// tokenTransport puts a fresh access token on every request, redirect hops
// included. The token travels in the query string: the database answers
// with a redirect to another host, and Go strips Authorization on those.
type tokenTransport struct {
	tokens TokenSource
	base   http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	accessToken, err := t.tokens.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}

	r := req.Clone(req.Context())
	q := r.URL.Query()
	q.Set("access_token", accessToken)
	r.URL.RawQuery = q.Encode()
	return t.base.RoundTrip(r)
}

type streamPayload struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// changeTracker turns put/patch events into child_changed keys. Only keys
// already present are reported; additions and removals update the set.
type changeTracker struct {
	known map[string]bool
}

func newChangeTracker() *changeTracker {
	return &changeTracker{known: map[string]bool{}}
}

func (t *changeTracker) apply(event string, data []byte) ([]string, error) {
	switch event {
	case "keep-alive":
		return nil, nil
	case "cancel":
		return nil, errStreamCancelled
	case "auth_revoked":
		return nil, errAuthRevoked
	case "put", "patch":
	default:
		return nil, nil
	}

	var p streamPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", event, err)
	}

	key, rest := splitPath(p.Path)
	if key == "" {
		var children map[string]json.RawMessage
		if !isNull(p.Data) {
			if err := json.Unmarshal(p.Data, &children); err != nil {
				return nil, fmt.Errorf("decode %s event: %w", event, err)
			}
		}

		if event == "put" {
			// A snapshot of the whole collection, sent on connect. It
			// reseeds the known keys without reporting changes.
			t.known = make(map[string]bool, len(children))
			for k, v := range children {
				if !isNull(v) {
					t.known[k] = true
				}
			}
			return nil, nil
		}

		var changed []string
		for k, v := range children {
			if t.touch(k, "", v) {
				changed = append(changed, k)
			}
		}
		return sortedKeys(changed), nil
	}

	if t.touch(key, rest, p.Data) {
		return []string{key}, nil
	}
	return nil, nil
}

// touch records a write at /<key>/<rest> and reports whether it changed an
// existing child.
func (t *changeTracker) touch(key, rest string, value json.RawMessage) bool {
	if rest == "" && isNull(value) {
		delete(t.known, key)
		return false
	}
	if t.known[key] {
		return true
	}
	t.known[key] = true
	return false
}

func splitPath(p string) (string, string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	key, rest, _ := strings.Cut(p, "/")
	return key, rest
}

func isNull(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}
