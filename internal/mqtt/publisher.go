package mqtt

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/errors"
)

// RunPublisher publishes aggregation run events as JSON to
// "<topic>/runs/<status>".
type RunPublisher struct {
	client Client
	topic  string
}

// NewRunPublisher returns a publisher sending through client below topic.
func NewRunPublisher(client Client, topic string) *RunPublisher {
	topic = strings.TrimRight(topic, "/")
	if topic == "" {
		topic = DefaultConfig().Topic
	}
	return &RunPublisher{client: client, topic: topic}
}

// Topic returns the topic a run event with status is published to.
func (p *RunPublisher) Topic(status string) string {
	return p.topic + "/runs/" + status
}

// PublishRunEvent implements aggregation.Publisher.
func (p *RunPublisher) PublishRunEvent(ctx context.Context, event aggregation.RunEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Build()
	}
	return p.client.Publish(ctx, p.Topic(string(event.Status)), payload)
}
