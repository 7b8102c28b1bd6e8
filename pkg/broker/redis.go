package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis relays notifications through redis pub/sub so that several server replicas observe each other's writes.
type Redis struct {
	client *redis.Client
	prefix string
	wg     sync.WaitGroup

	lock sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedis connects to addr and checks the connection.
func NewRedis(ctx context.Context, addr string, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix, subs: make(map[*redis.PubSub]struct{})}, nil
}

func (r *Redis) channel(topic string) string {
	return r.prefix + topic
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string, fn func([]byte)) (func() error, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(topic))
	// wait for the confirmation so that publishes after Subscribe returns are not missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to redis: %w", err)
	}
	messages := pubsub.Channel()
	r.lock.Lock()
	r.subs[pubsub] = struct{}{}
	r.lock.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range messages {
			fn([]byte(msg.Payload))
		}
		slog.Debug("redis subscription ended", "topic", topic)
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			r.lock.Lock()
			delete(r.subs, pubsub)
			r.lock.Unlock()
			err = pubsub.Close()
		})
		return err
	}, nil
}

// Close ends every open subscription, then the client.
func (r *Redis) Close() error {
	r.lock.Lock()
	for pubsub := range r.subs {
		_ = pubsub.Close()
	}
	clear(r.subs)
	r.lock.Unlock()
	err := r.client.Close()
	r.wg.Wait()
	return err
}
