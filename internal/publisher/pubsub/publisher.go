// Package pubsub publishes incident lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

// Publisher publishes JSON payloads, keeping one topic handle per topic name.
type Publisher struct {
	client *pubsub.Client
	owned  bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, topics: make(map[string]*pubsub.Topic)}
}

// Dial creates a client for projectID using Application Default Credentials
// (or opts).
func Dial(ctx context.Context, projectID string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := New(client)
	p.owned = true
	return p, nil
}

// EnsureTopic fails when topicID does not exist, so misconfiguration surfaces
// at startup rather than on the first event.
func (p *Publisher) EnsureTopic(ctx context.Context, topicID string) error {
	ok, err := p.topic(topicID).Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !ok {
		return fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return nil
}

// Publish marshals payload to JSON and waits for the server-assigned id.
// Incident events also carry their type and incident id as attributes.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if ev, ok := payload.(incident.Event); ok {
		msg.Attributes = map[string]string{
			"event_type":  ev.Type,
			"incident_id": ev.IncidentID,
		}
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes topic handles and closes the client when Dial created it.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (p *Publisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t
}
