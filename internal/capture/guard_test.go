package capture

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// gatedSource hands out one gate per call; each capture blocks until its
// gate is released.
type gatedSource struct {
	mu    sync.Mutex
	gates []chan []byte
	calls int
}

func newGatedSource(n int) *gatedSource {
	s := &gatedSource{}
	for range n {
		s.gates = append(s.gates, make(chan []byte, 1))
	}
	return s
}

func (s *gatedSource) Capture(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	gate := s.gates[s.calls]
	s.calls++
	s.mu.Unlock()
	select {
	case data := <-gate:
		if data == nil {
			return nil, fmt.Errorf("sensor fault")
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatedSource) release(i int, data []byte) {
	s.gates[i] <- data
}

// waitStarted blocks until n captures have begun.
func (s *gatedSource) waitStarted(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.calls >= n
	}, time.Second, time.Millisecond)
}

func passThrough(_ context.Context, _ *Attempt, data []byte) (File, error) {
	return File{Data: data, CapturedAt: time.Now()}, nil
}

func TestSessionCommitRefusesStaleAttempt(t *testing.T) {
	t.Parallel()

	s := NewSession()
	a := s.Begin()
	b := s.Begin()
	assert.Equal(t, b.ID(), s.Active())

	require.NoError(t, b.Commit(File{Data: []byte("b")}))
	err := a.Commit(File{Data: []byte("a")})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSuperseded)
	assert.True(t, errors.IsCategory(err, errors.CategorySuperseded))

	f, ok := s.Take()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), f.Data)
	assert.Equal(t, b.ID(), f.AttemptID)

	_, ok = s.Take()
	assert.False(t, ok, "a ready file is handed out once")
}

func TestSessionFailOnlyForActiveAttempt(t *testing.T) {
	t.Parallel()

	s := NewSession()
	a := s.Begin()
	b := s.Begin()
	assert.ErrorIs(t, a.Fail(fmt.Errorf("late")), errors.ErrSuperseded)

	require.NoError(t, b.Fail(fmt.Errorf("sensor fault")))
	_, failure, _ := s.state()
	assert.EqualError(t, failure, "sensor fault")

	s.Begin()
	_, failure, _ = s.state()
	assert.NoError(t, failure, "a new attempt clears the previous failure")
}

// Attempt A starts first but finishes after B: only B's file is handed on.
func TestGuardLateAttemptIsSuperseded(t *testing.T) {
	t.Parallel()

	src := newGatedSource(2)
	g := NewGuard(NewSession(), src, nil)
	ctx := context.Background()

	a := g.Capture(ctx, passThrough)
	src.waitStarted(t, 1)
	b := g.Capture(ctx, passThrough)
	src.waitStarted(t, 2)
	assert.NotEqual(t, a.ID(), b.ID())

	src.release(1, []byte("image-b"))
	f, err := g.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-b"), f.Data)
	assert.Equal(t, b.ID(), f.AttemptID)

	src.release(0, []byte("image-a"))
	g.Drain()

	_, ok := g.Session().Take()
	assert.False(t, ok, "the superseded attempt left nothing behind")
	assert.Equal(t, b.ID(), g.Session().Active())
}

func TestGuardWaitReturnsFailure(t *testing.T) {
	t.Parallel()

	src := newGatedSource(1)
	g := NewGuard(NewSession(), src, nil)
	ctx := context.Background()

	g.Capture(ctx, passThrough)
	src.release(0, nil)

	_, err := g.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sensor fault")
	g.Drain()
}

func TestGuardWaitHonoursContext(t *testing.T) {
	t.Parallel()

	src := newGatedSource(1)
	g := NewGuard(NewSession(), src, nil)

	g.Capture(context.Background(), passThrough)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCancellation))

	src.release(0, []byte("late"))
	g.Drain()
}

func TestSaveToWritesAttemptFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := NewSession()
	a := s.Begin()

	f, err := SaveTo(dir)(context.Background(), a, []byte("jpeg"))
	require.NoError(t, err)
	assert.Contains(t, f.Path, a.ID().String())
	data, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = SaveTo(dir)(context.Background(), a, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))
}

func TestDeviceSource(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, "http://camera.local/capture",
		httpmock.NewBytesResponder(http.StatusOK, []byte("frame")))
	transport.RegisterResponder(http.MethodGet, "http://broken.local/capture",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))
	hc := httpclient.New(&httpclient.Config{Transport: transport})

	src, err := NewDeviceSource("http://camera.local/", hc)
	require.NoError(t, err)
	data, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)

	broken, err := NewDeviceSource("http://broken.local", hc)
	require.NoError(t, err)
	_, err = broken.Capture(context.Background())
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))

	_, err = NewDeviceSource("camera", hc)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
