package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inkwall/pkg/canvasdoc"
	"github.com/astromechza/inkwall/pkg/docsync"
	"github.com/astromechza/inkwall/pkg/replication"
)

func (s *Server) current(ctx context.Context, topic replication.Topic) (replication.Notification, bool, error) {
	if topic == replication.CanvasTopic {
		pixels, err := s.store.Canvas()
		if err != nil {
			return replication.Notification{}, false, err
		}
		n, err := replication.NewCanvasNotification(pixels)
		return n, err == nil, err
	}
	id, _ := topic.UserID()
	u, err := s.store.User(ctx, id)
	if errors.Is(err, replication.ErrNotFound) {
		return replication.Notification{}, false, nil
	} else if err != nil {
		return replication.Notification{}, false, err
	}
	n, err := replication.NewUserNotification(u)
	return n, err == nil, err
}

// subscribe streams every notification of one topic to a websocket, starting with the current row.
func (s *Server) subscribe(writer http.ResponseWriter, request *http.Request) {
	topic := replication.Topic(request.URL.Query().Get("topic"))
	if !topic.Valid() {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "invalid topic"})
		return
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()

	frames := make(chan replication.Notification, subscriberBuffer)
	enqueue := func(n replication.Notification) {
		select {
		case frames <- n:
		default:
			slog.Warn("subscriber too slow, dropping connection", "topic", topic)
			cancel()
		}
	}

	unsubscribe, err := s.broker.Subscribe(ctx, string(topic), func(payload []byte) {
		enqueue(replication.Notification{Topic: topic, Payload: payload})
	})
	if err != nil {
		slog.Error("failed to subscribe", "topic", topic, "err", err)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		return
	}
	defer unsubscribe()

	if n, ok, err := s.current(ctx, topic); err != nil {
		slog.Error("failed to load current row", "topic", topic, "err", err)
	} else if ok {
		enqueue(n)
	}

	// the read side only exists to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("subscriber connected", "topic", topic)
	for {
		select {
		case n := <-frames:
			if err := conn.WriteJSON(n); err != nil {
				slog.Info("subscriber write failed", "topic", topic, "err", err)
				return
			}
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			slog.Info("subscriber disconnected", "topic", topic)
			return
		}
	}
}

// syncCanvas runs the automerge sync protocol against the canvas document.
func (s *Server) syncCanvas(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	var syncState *automerge.SyncState
	lock := s.store.Locker()
	lock.Lock()
	syncState = automerge.NewSyncState(s.store.Doc())
	lock.Unlock()

	err = docsync.Sync(request.Context(), conn, syncState, docsync.Options{
		Lock:     lock,
		Interval: s.SyncInterval,
		// peers may send cells the grid does not allow, strip them before anyone else reads the doc
		AfterReceive: func() error {
			removed, err := canvasdoc.Repair(s.store.Doc(), s.store.GridSize())
			if removed > 0 {
				slog.Warn("removed invalid cells received over sync", "removed", removed)
			}
			return err
		},
		OnReceive: func() {
			s.store.MarkChanged()
			pixels, err := s.store.Canvas()
			if err != nil {
				slog.Error("failed to read canvas after sync", "err", err)
				return
			}
			s.publishCanvas(context.Background(), pixels)
		},
	})
	if err != nil && !websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Info("sync ended", "err", err)
	}
}
