// Package remote is the client side of the replication channel. Mutations are plain HTTP calls, notifications
// arrive over one websocket per topic.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inkwall/pkg/replication"
)

type Backend struct {
	baseUrl *url.URL
	client  *http.Client
	dialer  *websocket.Dialer
	// newBackOff builds the reconnect policy of each subscription
	newBackOff func() backoff.BackOff
}

var _ replication.Backend = (*Backend)(nil)

type Option func(*Backend)

func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.client = c
	}
}

// WithBackOff replaces the exponential reconnect policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(b *Backend) {
		b.newBackOff = fn
	}
}

func New(baseUrl *url.URL, opts ...Option) *Backend {
	b := &Backend{
		baseUrl: baseUrl,
		client:  &http.Client{Timeout: 10 * time.Second},
		dialer:  websocket.DefaultDialer,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = 250 * time.Millisecond
			eb.MaxInterval = 30 * time.Second
			return eb
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseUrl.JoinPath(path).String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, replication.ErrNotFound)
	case resp.StatusCode >= 300:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (b *Backend) FetchCanvas(ctx context.Context) (map[string]string, error) {
	var row replication.CanvasRow
	if err := b.do(ctx, http.MethodGet, "canvas", nil, &row); err != nil {
		return nil, err
	}
	if row.Pixels == nil {
		row.Pixels = map[string]string{}
	}
	return row.Pixels, nil
}

func (b *Backend) WritePixels(ctx context.Context, pixels map[string]string) error {
	return b.do(ctx, http.MethodPost, "canvas/pixels", map[string]any{"pixels": pixels}, nil)
}

func (b *Backend) UpsertUser(ctx context.Context, user replication.User) (replication.User, error) {
	var out replication.User
	if err := b.do(ctx, http.MethodPut, "users/"+url.PathEscape(user.ID), user, &out); err != nil {
		return replication.User{}, err
	}
	return out, nil
}

func (b *Backend) UpdateInk(ctx context.Context, id string, ink int, updatedAt time.Time) error {
	return b.do(ctx, http.MethodPatch, "users/"+url.PathEscape(id)+"/ink", map[string]any{
		"ink":        ink,
		"updated_at": updatedAt,
	}, nil)
}

func (b *Backend) subscribeUrl(topic replication.Topic) string {
	u := b.baseUrl.JoinPath("subscribe")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"topic": []string{string(topic)}}.Encode()
	return u.String()
}

// Subscribe dials the notification stream for topic. A failed dial is not an error: the subscription keeps redialing
// with backoff until closed, and the server replays the current row on every connect.
func (b *Backend) Subscribe(ctx context.Context, topic replication.Topic, handler replication.Handler) (replication.Subscription, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("invalid topic %q", topic)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, _, err := b.dialer.DialContext(ctx, b.subscribeUrl(topic), nil)
	if err != nil {
		slog.Warn("failed to dial subscription, retrying in the background", "topic", topic, "err", err)
		conn = nil
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{cancel: cancel, done: make(chan struct{})}
	s.setConn(conn)
	go func() {
		defer close(s.done)
		b.run(subCtx, s, topic, handler)
	}()
	return s, nil
}

func (b *Backend) run(ctx context.Context, s *subscription, topic replication.Topic, handler replication.Handler) {
	policy := b.newBackOff()
	for {
		conn := s.getConn()
		if conn != nil {
			readAll(conn, topic, handler)
			_ = conn.Close()
			s.setConn(nil)
		}
		if ctx.Err() != nil {
			return
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			slog.Error("giving up on subscription", "topic", topic)
			return
		}
		slog.Warn("subscription lost, reconnecting", "topic", topic, "in", wait)
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		next, _, err := b.dialer.DialContext(ctx, b.subscribeUrl(topic), nil)
		if err != nil {
			slog.Warn("failed to redial subscription", "topic", topic, "err", err)
			continue
		}
		policy.Reset()
		if !s.setConn(next) {
			_ = next.Close()
			return
		}
	}
}

// readAll delivers frames until the connection fails. Frames that do not decode are skipped.
func readAll(conn *websocket.Conn, topic replication.Topic, handler replication.Handler) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				slog.Debug("subscription read ended", "topic", topic, "err", err)
			}
			return
		}
		var n replication.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			slog.Warn("skipping malformed notification", "topic", topic, "err", err)
			continue
		}
		if n.Topic != topic {
			slog.Warn("skipping notification for another topic", "want", topic, "got", n.Topic)
			continue
		}
		handler(n)
	}
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	lock   sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *subscription) getConn() *websocket.Conn {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conn
}

// setConn reports false once the subscription is closed.
func (s *subscription) setConn(c *websocket.Conn) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.conn = c
	return true
}

func (s *subscription) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.lock.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-s.done
	return nil
}
