package errors

import (
	"fmt"
	"strings"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
}

func TestDomainErrorsCarrySentinelAndCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		sentinel error
		category ErrorCategory
	}{
		{ErrInvalidRequest, CategoryValidation},
		{ErrTransient, CategoryNetwork},
		{ErrJobFailed, CategoryJobFailed},
		{ErrTimeout, CategoryTimeout},
		{ErrSuperseded, CategorySuperseded},
		{ErrAggregationConflict, CategoryConflict},
		{ErrRunNotFound, CategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			t.Parallel()
			err := Domain(tt.sentinel, "run %d", 7).Component("test").Build()

			assert.ErrorIs(t, err, tt.sentinel)
			assert.True(t, IsCategory(err, tt.category))
			assert.Contains(t, err.Error(), "run 7")
			assert.Equal(t, "test", err.GetComponent())
		})
	}
}

func TestDomainWrapKeepsCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection refused")
	err := DomainWrap(ErrTransient, cause, "status query").Build()

	require.ErrorIs(t, err, ErrTransient)
	require.ErrorIs(t, err, cause)
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalidRequest(err))
	assert.Equal(t, "transient failure: status query: connection refused", err.Error())
}

func TestDetectCategoryFromWrappedSentinel(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("outer: %w", ErrAggregationConflict)
	ee := New(wrapped).Build()

	assert.Equal(t, CategoryConflict, ee.Category)
	assert.True(t, IsConflict(ee))
}

type stubReporter struct {
	reported []*EnhancedError
}

func (s *stubReporter) ReportError(ee *EnhancedError) { s.reported = append(s.reported, ee) }
func (s *stubReporter) IsEnabled() bool               { return true }

func TestReporterReceivesBuiltErrors(t *testing.T) {
	reporter := &stubReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	New(fmt.Errorf("boom")).Component("dispatch").Category(CategoryJobQueue).Build()

	require.Len(t, reporter.reported, 1)
	assert.Equal(t, CategoryJobQueue, reporter.reported[0].Category)
	assert.Equal(t, "dispatch", reporter.reported[0].GetComponent())
}

func TestScrubMessageForPrivacy(t *testing.T) {
	t.Parallel()

	scrubbed := scrubMessageForPrivacy("GET https://classifier.local/infer?token=abc123 failed")
	assert.Equal(t, "GET https://classifier.local/infer?[REDACTED] failed", scrubbed)

	scrubbed = scrubMessageForPrivacy("dial mysql://root:secret@db:3306/plates")
	assert.NotContains(t, scrubbed, "secret")

	scrubbed = scrubMessageForPrivacy("broker rejected password=hunter2")
	assert.False(t, strings.Contains(scrubbed, "hunter2"))
}

func TestReportableSkipsExpectedOutcomes(t *testing.T) {
	t.Parallel()

	assert.False(t, reportable(CategorySuperseded))
	assert.False(t, reportable(CategoryValidation))
	assert.True(t, reportable(CategoryConflict))
}

func TestGenerateErrorTitle(t *testing.T) {
	t.Parallel()

	title := generateErrorTitle("aggregation", CategoryConflict, map[string]any{"operation": "complete_run"})
	assert.Equal(t, "Aggregation Aggregation Conflict Complete Run", title)
}

func TestErrorLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, sentry.LevelWarning, getErrorLevel(CategoryTimeout, ""))
	assert.Equal(t, sentry.LevelError, getErrorLevel(CategoryDatabase, PriorityHigh))
	assert.Equal(t, sentry.LevelFatal, getErrorLevel(CategoryDatabase, PriorityCritical))
}
