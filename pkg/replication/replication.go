// Package replication carries local mutations to the authoritative store and delivers its change notifications
// back to subscribers. Every notification is a full snapshot of the changed row and receivers apply it as an
// idempotent replace, so duplicate or out of order deliveries are tolerated.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a participant row does not exist.
var ErrNotFound = errors.New("not found")

// CanvasRowID is the fixed identifier of the single canvas row.
const CanvasRowID = 1

// Topic scopes a subscription to a single authoritative row.
type Topic string

const CanvasTopic Topic = "canvas"

const userTopicPrefix = "users/"

// UserTopic is the topic carrying changes to one participant's row.
func UserTopic(id string) Topic {
	return Topic(userTopicPrefix + id)
}

// UserID returns the participant id of a user topic.
func (t Topic) UserID() (string, bool) {
	if !strings.HasPrefix(string(t), userTopicPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(string(t), userTopicPrefix)
	return id, id != ""
}

// Valid reports whether the topic names either the canvas or a participant row.
func (t Topic) Valid() bool {
	if t == CanvasTopic {
		return true
	}
	_, ok := t.UserID()
	return ok
}

// Notification is a change event for one topic carrying the complete new row.
type Notification struct {
	Topic   Topic           `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// CanvasRow is the authoritative canvas aggregate.
type CanvasRow struct {
	ID     int               `json:"id"`
	Pixels map[string]string `json:"pixels"`
}

// User is the authoritative participant row.
type User struct {
	ID        string    `json:"id"`
	Ink       int       `json:"ink"`
	JoinedAt  time.Time `json:"joined_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handler receives notifications. It may be called from any goroutine.
type Handler func(Notification)

type Subscription interface {
	Close() error
}

// Backend is the transport to the authoritative store.
type Backend interface {
	FetchCanvas(ctx context.Context) (map[string]string, error)
	// WritePixels merges the given cells into the canvas row.
	WritePixels(ctx context.Context, pixels map[string]string) error
	// UpsertUser creates the row if it is absent and returns the row as stored. An existing row is never reset.
	UpsertUser(ctx context.Context, user User) (User, error)
	UpdateInk(ctx context.Context, id string, ink int, updatedAt time.Time) error
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
}

// NewCanvasNotification builds the notification published after a canvas change.
func NewCanvasNotification(pixels map[string]string) (Notification, error) {
	if pixels == nil {
		pixels = map[string]string{}
	}
	raw, err := json.Marshal(CanvasRow{ID: CanvasRowID, Pixels: pixels})
	if err != nil {
		return Notification{}, err
	}
	return Notification{Topic: CanvasTopic, Payload: raw}, nil
}

// NewUserNotification builds the notification published after a participant row change.
func NewUserNotification(user User) (Notification, error) {
	raw, err := json.Marshal(user)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Topic: UserTopic(user.ID), Payload: raw}, nil
}

// SubscriptionFunc adapts a cancel function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error {
	return f()
}
