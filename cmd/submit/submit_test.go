package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/platelab/platevision/internal/conf"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/inference"
	"github.com/platelab/platevision/internal/runtime"
)

// lostJobServer accepts every submission and then reports the job as unknown.
func lostJobServer(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == inference.PathPredict:
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(inference.Envelope[inference.PredictResponse]{
				Success: true,
				Data:    inference.PredictResponse{RunID: 42, SampleID: "S-9", Status: inference.StatusPending},
			})
		case strings.HasPrefix(r.URL.Path, inference.PathStatus):
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(inference.Envelope[struct{}]{
				Error: &inference.APIError{Code: "not_found", Message: "run not found"},
			})
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newSubmitter(t *testing.T, serverURL string) *Submitter {
	t.Helper()
	rt := runtime.New("test", "")
	rt.Settings = &conf.Settings{}
	rt.Settings.Client = conf.ClientSettings{
		ServerURL:      serverURL,
		RequestTimeout: time.Second,
		PollInitial:    5 * time.Millisecond,
		PollMax:        10 * time.Millisecond,
		PollDeadline:   time.Second,
	}
	s, err := NewSubmitter(rt)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestSubmitReportKeepsPendingWhenPollFailsEarly(t *testing.T) {
	ts := lostJobServer(t)
	s := newSubmitter(t, ts.URL)

	report, err := s.Submit(context.Background(), "plate.jpg", []byte("img"), Options{Meta: inference.Meta{SampleID: "S-9"}})
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	require.NotNil(t, report)
	assert.Equal(t, uint(42), report.JobID)
	assert.Equal(t, string(inference.StatusPending), report.Status)
	assert.NotEmpty(t, report.Error)

	var out bytes.Buffer
	require.NoError(t, Print(&out, report))
	var printed map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "pending", printed["status"])
}

func TestSubmitNoWait(t *testing.T) {
	ts := lostJobServer(t)
	s := newSubmitter(t, ts.URL)

	report, err := s.Submit(context.Background(), "plate.jpg", []byte("img"), Options{Meta: inference.Meta{SampleID: "S-9"}, NoWait: true})
	require.NoError(t, err)
	assert.Equal(t, string(inference.StatusPending), report.Status)
	assert.Empty(t, report.Error)
}
