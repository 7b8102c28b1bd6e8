// Package server exposes the authoritative store over HTTP and streams change notifications over websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/inkwall/pkg/broker"
	"github.com/astromechza/inkwall/pkg/canvas"
	"github.com/astromechza/inkwall/pkg/replication"
	"github.com/astromechza/inkwall/pkg/store"
)

// subscriberBuffer bounds the frames queued for one websocket. A subscriber that falls this far behind is dropped and
// has to resubscribe, which replays the current row.
const subscriberBuffer = 64

type Server struct {
	store    *store.Store
	broker   broker.Broker
	upgrader websocket.Upgrader
	// SyncInterval is how often the automerge sync endpoint offers new changes.
	SyncInterval time.Duration
}

func New(st *store.Store, br broker.Broker) *Server {
	return &Server{
		store:  st,
		broker: br,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		SyncInterval: time.Second,
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/canvas").HandlerFunc(s.getCanvas)
	r.Methods(http.MethodPost).Path("/canvas/pixels").HandlerFunc(s.postPixels)
	r.Methods(http.MethodGet).Path("/canvas/sync").HandlerFunc(s.syncCanvas)
	r.Methods(http.MethodGet).Path("/users/{id}").HandlerFunc(s.getUser)
	r.Methods(http.MethodPut).Path("/users/{id}").HandlerFunc(s.putUser)
	r.Methods(http.MethodPatch).Path("/users/{id}/ink").HandlerFunc(s.patchInk)
	r.Methods(http.MethodGet).Path("/subscribe").HandlerFunc(s.subscribe)
	return r
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func writeError(writer http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, canvas.ErrOutOfBounds), errors.Is(err, canvas.ErrEmptyColor), errors.Is(err, canvas.ErrInvalidCell),
		errors.Is(err, store.ErrInvalidUser):
		status = http.StatusBadRequest
	case errors.Is(err, replication.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
	}
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}

func (s *Server) publish(ctx context.Context, n replication.Notification) {
	if err := s.broker.Publish(ctx, string(n.Topic), n.Payload); err != nil {
		slog.Error("failed to publish", "topic", n.Topic, "err", err)
	}
}

func (s *Server) publishCanvas(ctx context.Context, pixels map[string]string) {
	n, err := replication.NewCanvasNotification(pixels)
	if err != nil {
		slog.Error("failed to encode canvas notification", "err", err)
		return
	}
	s.publish(ctx, n)
}

func (s *Server) getCanvas(writer http.ResponseWriter, request *http.Request) {
	pixels, err := s.store.Canvas()
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, replication.CanvasRow{ID: replication.CanvasRowID, Pixels: pixels})
}

func (s *Server) postPixels(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Pixels map[string]string `json:"pixels"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "failed to decode body"})
		return
	}
	pixels, err := s.store.ApplyPixels(inputs.Pixels)
	if err != nil {
		writeError(writer, err)
		return
	}
	s.publishCanvas(request.Context(), pixels)
	writer.WriteHeader(http.StatusNoContent)
}

func (s *Server) getUser(writer http.ResponseWriter, request *http.Request) {
	u, err := s.store.User(request.Context(), mux.Vars(request)["id"])
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, u)
}

func (s *Server) putUser(writer http.ResponseWriter, request *http.Request) {
	var inputs replication.User
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "failed to decode body"})
		return
	}
	inputs.ID = mux.Vars(request)["id"]
	u, err := s.store.UpsertUser(request.Context(), inputs)
	if err != nil {
		writeError(writer, err)
		return
	}
	writeJSON(writer, http.StatusOK, u)
}

func (s *Server) patchInk(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Ink       *int      `json:"ink"`
		UpdatedAt time.Time `json:"updated_at"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.Ink == nil {
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": "expected an ink value"})
		return
	}
	u, err := s.store.UpdateInk(request.Context(), mux.Vars(request)["id"], *inputs.Ink, inputs.UpdatedAt)
	if err != nil {
		writeError(writer, err)
		return
	}
	n, err := replication.NewUserNotification(u)
	if err != nil {
		writeError(writer, err)
		return
	}
	s.publish(request.Context(), n)
	writer.WriteHeader(http.StatusNoContent)
}
