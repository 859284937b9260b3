package errors

import "fmt"

// Sentinels of the job and aggregation error taxonomy. Every error built by
// Domain or DomainWrap wraps exactly one of these, so callers branch with Is.
var (
	ErrInvalidRequest      = NewStd("invalid request")
	ErrTransient           = NewStd("transient failure")
	ErrJobFailed           = NewStd("job failed")
	ErrTimeout             = NewStd("client stopped waiting; the job may still complete")
	ErrSuperseded          = NewStd("capture attempt superseded")
	ErrAggregationConflict = NewStd("aggregation conflict")
	ErrRunNotFound         = NewStd("run not found")
)

var sentinelCategories = []struct {
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

func sentinelCategory(err error) (ErrorCategory, bool) {
	for _, sc := range sentinelCategories {
		if Is(err, sc.sentinel) {
			return sc.category, true
		}
	}
	return "", false
}

// Domain starts a builder for an error wrapping sentinel, with the category
// preset to the sentinel's category.
//
//	errors.Domain(errors.ErrInvalidRequest, "sample id is required").Component("inference").Build()
func Domain(sentinel error, format string, args ...any) *ErrorBuilder {
	err := fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
	category, _ := sentinelCategory(sentinel)
	return New(err).Category(category)
}

// DomainWrap is Domain with an underlying cause kept in the chain.
func DomainWrap(sentinel, cause error, msg string) *ErrorBuilder {
	err := fmt.Errorf("%w: %s: %w", sentinel, msg, cause)
	category, _ := sentinelCategory(sentinel)
	return New(err).Category(category)
}

// IsInvalidRequest reports whether err belongs to the InvalidRequest class.
func IsInvalidRequest(err error) bool {
	return Is(err, ErrInvalidRequest) || IsCategory(err, CategoryValidation)
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return Is(err, ErrTransient) || IsCategory(err, CategoryNetwork)
}

// IsConflict reports whether err is an aggregation conflict.
func IsConflict(err error) bool {
	return Is(err, ErrAggregationConflict) || IsCategory(err, CategoryConflict)
}
