package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type message struct {
	title, body string
}

type fakeSender struct {
	mu       sync.Mutex
	messages []message
	err      error
	block    chan struct{}
}

func (f *fakeSender) Send(body string, params *types.Params) []error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	title, _ := params.Title()
	f.messages = append(f.messages, message{title: title, body: body})
	return []error{f.err}
}

func (f *fakeSender) sent() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.messages...)
}

func TestNotifierSendsSelectedEvents(t *testing.T) {
	sender := &fakeSender{}
	n, err := NewWithSender(sender, nil, nil)
	require.NoError(t, err)
	n.Start()

	ctx := context.Background()
	total := 3
	require.NoError(t, n.PublishRunEvent(ctx, aggregation.RunEvent{RunID: 1, SampleID: "S-1", Status: entities.RunStatusCompleted, Total: &total}))
	require.NoError(t, n.PublishRunEvent(ctx, aggregation.RunEvent{RunID: 2, SampleID: "S-1", Status: entities.RunStatusFailed, Error: "classifier rejected image"}))
	n.Close()

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "PlateVision run 2 failed", sent[0].title)
	assert.Equal(t, "Sample S-1: run 2 is failed.\nError: classifier rejected image", sent[0].body)
}

func TestNotifierCustomEvents(t *testing.T) {
	sender := &fakeSender{err: fmt.Errorf("webhook returned 500")}
	n, err := NewWithSender(sender, []string{" Completed ", "failed"}, nil)
	require.NoError(t, err)
	n.Start()

	total := 4
	require.NoError(t, n.PublishRunEvent(context.Background(), aggregation.RunEvent{RunID: 7, SampleID: "S-2", Status: entities.RunStatusCompleted, Total: &total}))
	n.Close()

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Sample S-2: run 7 is completed with 4 colonies.", sent[0].body)
}

func TestNotifierRejectsUnknownStatus(t *testing.T) {
	_, err := NewWithSender(&fakeSender{}, []string{"archived"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestNotifierDropsWhenBufferFull(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	n, err := NewWithSender(sender, nil, nil)
	require.NoError(t, err)
	n.Start()

	event := aggregation.RunEvent{RunID: 1, Status: entities.RunStatusFailed}
	var dropErr error
	// One event is held by the blocked sender, the rest fill the buffer.
	for range defaultBuffer + 2 {
		if err := n.PublishRunEvent(context.Background(), event); err != nil {
			dropErr = err
		}
	}
	require.Error(t, dropErr)
	assert.Contains(t, dropErr.Error(), "events dropped")

	close(sender.block)
	n.Close()
	assert.NoError(t, n.PublishRunEvent(context.Background(), event), "events after Close are ignored")
}

func TestCloseWithoutStart(t *testing.T) {
	n, err := NewWithSender(&fakeSender{}, nil, nil)
	require.NoError(t, err)
	n.Close()
	n.Close()
}

func TestNewRejectsMissingAndInvalidURLs(t *testing.T) {
	_, err := New(nil, nil, 0, nil)
	require.Error(t, err)

	_, err = New([]string{"nosuchservice://token@host"}, nil, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
	assert.NotContains(t, err.Error(), "token@host")
}
