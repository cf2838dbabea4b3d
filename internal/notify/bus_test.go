package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBus(client)
}

func TestPublishDeliversToTypedTopic(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := bus.Subscribe(ctx, "default", "MOVED")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := Event{
		Identifier:  "f1",
		Path:        "/b.txt",
		Type:        "MOVED",
		PrimaryType: "nt:file",
		Workspace:   "default",
		SourcePath:  "/a.txt",
	}
	if err := bus.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Channel != "contentrepo/default/node/MOVED" {
		t.Fatalf("unexpected channel %q", msg.Channel)
	}
	var got Event
	if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Identifier != want.Identifier || got.SourcePath != want.SourcePath || got.PrimaryType != want.PrimaryType {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestPayloadOmitsEmptyOptionalFields(t *testing.T) {
	payload, err := json.Marshal(Event{Identifier: "x", Path: "/x", Type: "ADDED", Workspace: "default"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"properties", "sourcePath"} {
		if _, ok := raw[key]; ok {
			t.Fatalf("expected %s to be omitted", key)
		}
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Publish(context.Background(), Event{}); err != nil {
		t.Fatalf("discard: %v", err)
	}
}
