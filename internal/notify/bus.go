// Package notify publishes node change notifications for external
// watchers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Event is one node change notification.
type Event struct {
	Identifier  string   `json:"identifier"`
	Path        string   `json:"path"`
	Type        string   `json:"type"`
	PrimaryType string   `json:"primaryType"`
	Workspace   string   `json:"workspace"`
	Properties  []string `json:"properties,omitempty"`
	SourcePath  string   `json:"sourcePath,omitempty"`
}

// Topic names the channel an event is published on.
func Topic(workspace, eventType string) string {
	return "contentrepo/" + workspace + "/node/" + eventType
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// RedisBus publishes events with Redis pub/sub.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(e.Workspace, e.Type), payload).Err(); err != nil {
		return fmt.Errorf("publish %s %s: %w", e.Type, e.Path, err)
	}
	return nil
}

// Subscribe listens on the topics of the given event types in a workspace.
// The caller closes the returned subscription.
func (b *RedisBus) Subscribe(ctx context.Context, workspace string, eventTypes ...string) *redis.PubSub {
	topics := make([]string, len(eventTypes))
	for i, t := range eventTypes {
		topics[i] = Topic(workspace, t)
	}
	return b.client.Subscribe(ctx, topics...)
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Discard drops every event.
var Discard Publisher = discard{}
