package broker

import (
	"context"
	"os"
	"testing"
	"time"
)

// Runs against a real redis when INKWALL_TEST_REDIS names its address.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("INKWALL_TEST_REDIS")
	if addr == "" {
		t.Skip("INKWALL_TEST_REDIS not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, addr, "inkwall-test-"+time.Now().Format("150405.000")+"/")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer r.Close()

	got := make(chan string, 1)
	cancel, err := r.Subscribe(ctx, "canvas", func(p []byte) { got <- string(p) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := r.Publish(ctx, "canvas", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case p := <-got:
		if p != "hello" {
			t.Fatalf("expected hello, got %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
