// Package notify sends operator notifications for run events through
// shoutrrr service URLs (Slack, Telegram, SMTP, generic webhooks, ...).
package notify

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

const (
	defaultBuffer  = 64
	defaultTimeout = 10 * time.Second
)

// Sender delivers one message to every configured service.
type Sender interface {
	Send(message string, params *types.Params) []error
}

// Notifier is an aggregation.Publisher that forwards selected run events to
// a Sender in the background. Events arriving while the buffer is full are
// dropped.
type Notifier struct {
	sender Sender
	events map[entities.RunStatus]bool
	queue  chan aggregation.RunEvent
	log    logger.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	dropped int
	done    chan struct{}
}

// New builds a Notifier sending to urls for run events whose status is in
// events. An empty events list selects failed runs only.
func New(urls, events []string, timeout time.Duration, l logger.Logger) (*Notifier, error) {
	if len(urls) == 0 {
		return nil, configError("at least one notification URL is required")
	}
	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		// Service URLs carry tokens.
		return nil, configError(fmt.Sprintf("invalid notification URL: %s", redact(err.Error(), urls)))
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	router.Timeout = timeout
	router.SetLogger(log.New(io.Discard, "", 0))
	return NewWithSender(router, events, l)
}

// NewWithSender builds a Notifier around an existing sender.
func NewWithSender(sender Sender, events []string, l logger.Logger) (*Notifier, error) {
	if l == nil {
		l = logger.NewDiscard()
	}
	if len(events) == 0 {
		events = []string{string(entities.RunStatusFailed)}
	}
	selected := make(map[entities.RunStatus]bool, len(events))
	for _, e := range events {
		status := entities.RunStatus(strings.ToLower(strings.TrimSpace(e)))
		if !status.Valid() {
			return nil, configError(fmt.Sprintf("unknown run status %q in notify.events", e))
		}
		selected[status] = true
	}
	return &Notifier{
		sender: sender,
		events: selected,
		queue:  make(chan aggregation.RunEvent, defaultBuffer),
		log:    l.Module("notify"),
		done:   make(chan struct{}),
	}, nil
}

// Start delivers queued events until Close.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.closed {
		return
	}
	n.started = true
	go n.run()
}

// PublishRunEvent implements aggregation.Publisher. It never blocks on the
// notification services.
func (n *Notifier) PublishRunEvent(_ context.Context, event aggregation.RunEvent) error {
	if !n.events[event.Status] {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	select {
	case n.queue <- event:
		return nil
	default:
		n.dropped++
		return errors.Newf("notification buffer full, %d events dropped", n.dropped).
			Component("notify").
			Category(errors.CategorySystem).
			Build()
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	if !n.started {
		close(n.done)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for event := range n.queue {
		title, body := Format(event)
		params := types.Params{}
		params.SetTitle(title)
		for _, err := range n.sender.Send(body, &params) {
			if err != nil {
				n.log.Warn("notification not delivered",
					logger.Uint64("run_id", uint64(event.RunID)),
					logger.String("status", string(event.Status)),
					logger.Error(err))
			}
		}
	}
}

// Format renders the title and body of a run event notification.
func Format(event aggregation.RunEvent) (title, body string) {
	title = fmt.Sprintf("PlateVision run %d %s", event.RunID, event.Status)
	var b strings.Builder
	fmt.Fprintf(&b, "Sample %s: run %d is %s", event.SampleID, event.RunID, event.Status)
	if event.Total != nil {
		fmt.Fprintf(&b, " with %d colonies", *event.Total)
	}
	b.WriteString(".")
	if event.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", event.Error)
	}
	return title, b.String()
}

func redact(msg string, urls []string) string {
	for _, u := range slices.Compact(slices.Clone(urls)) {
		if u != "" {
			msg = strings.ReplaceAll(msg, u, "[redacted]")
		}
	}
	return msg
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("notify").
		Category(errors.CategoryConfiguration).
		Build()
}
