package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/platelab/platevision/internal/logger"
)

// Recorder receives client measurements.
type Recorder interface {
	RecordSubmission(kind string, err error)
	RecordPoll(status JobStatus, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordSubmission(string, error) {}
func (noopRecorder) RecordPoll(JobStatus, error)    {}

// Client talks to the prediction API.
type Client struct {
	http     *httpclient.Client
	baseURL  string
	timeout  time.Duration
	log      logger.Logger
	recorder Recorder
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRequestTimeout bounds every single request.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientRecorder sets the metrics recorder.
func WithClientRecorder(r Recorder) ClientOption {
	return func(c *Client) {
		if r != nil {
			c.recorder = r
		}
	}
}

// NewClient returns a client for the API at baseURL. A nil hc uses a client
// with default settings.
func NewClient(baseURL string, hc *httpclient.Client, log logger.Logger, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid server url %q", baseURL).
			Component("inference").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	c := &Client{
		http:     hc,
		baseURL:  strings.TrimRight(u.String(), "/"),
		log:      log.Module("inference"),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Submit issues exactly one predict request and returns the job id. It never
// polls.
func (c *Client) Submit(ctx context.Context, sub Submission) (JobID, error) {
	sub, err := checkSubmission(sub)
	if err != nil {
		c.recorder.RecordSubmission("invalid", err)
		return 0, err
	}

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := writeSubmission(mw, sub); err != nil {
		return 0, fmt.Errorf("failed to encode submission: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("failed to encode submission: %w", err)
	}

	var out Envelope[PredictResponse]
	err = c.call(ctx, http.MethodPost, PathPredict, mw.FormDataContentType(), body, &out)
	c.recorder.RecordSubmission(sub.kind(), err)
	if err != nil {
		return 0, err
	}

	meta := sub.meta()
	c.log.Info("job submitted",
		logger.Uint64("job_id", uint64(out.Data.RunID)),
		logger.String("kind", sub.kind()),
		logger.String("sample_id", meta.SampleID),
		logger.String("correlation_id", out.Data.CorrelationID))
	return out.Data.RunID, nil
}

// Stage uploads image bytes for a later StagedSubmission and returns the
// staged path token.
func (c *Client) Stage(ctx context.Context, filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", invalidSubmission("nothing to stage")
	}
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := (FileSubmission{Filename: filename, Data: data}).writeImage(mw); err != nil {
		return "", fmt.Errorf("failed to encode upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to encode upload: %w", err)
	}

	var out Envelope[StageResponse]
	if err := c.call(ctx, http.MethodPost, PathStage, mw.FormDataContentType(), body, &out); err != nil {
		return "", err
	}
	c.log.Debug("image staged", logger.String("path", out.Data.Path))
	return out.Data.Path, nil
}

// Status performs one status query.
func (c *Client) Status(ctx context.Context, id JobID) (*StatusResponse, error) {
	var out Envelope[StatusResponse]
	err := c.call(ctx, http.MethodGet, PathStatus+strconv.FormatUint(uint64(id), 10), "", nil, &out)
	if err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// call sends one request and decodes the envelope, mapping failures onto the
// job error taxonomy: transport errors and 5xx are Transient, 404 is
// NotFound, other 4xx and unsuccessful envelopes are InvalidRequest.
func (c *Client) call(ctx context.Context, method, path, contentType string, body *bytes.Buffer, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	endpoint := c.baseURL + path
	start := time.Now()

	var (
		resp *http.Response
		err  error
	)
	if method == http.MethodGet {
		resp, err = c.http.Get(ctx, endpoint)
	} else {
		resp, err = c.http.Post(ctx, endpoint, contentType, body)
	}
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return errors.New(ctx.Err()).
				Component("inference").
				Category(errors.CategoryCancellation).
				Build()
		}
		return errors.DomainWrap(errors.ErrTransient, err, method+" "+path).
			Component("inference").
			NetworkContext(endpoint, c.timeout).
			Timing(method+" "+path, time.Since(start)).
			Build()
	}

	if err := httpclient.DecodeJSON(resp, out); err != nil {
		return classifyResponseError(err, method, path)
	}
	if env, ok := out.(interface{ failed() *APIError }); ok {
		if apiErr := env.failed(); apiErr != nil {
			return errors.Domain(errors.ErrInvalidRequest, "%s", apiErr.Message).
				Component("inference").
				Context("code", apiErr.Code).
				Build()
		}
	}
	return nil
}

func (e *Envelope[T]) failed() *APIError {
	if e.Success {
		return nil
	}
	if e.Error != nil {
		return e.Error
	}
	return &APIError{Code: "unknown", Message: "request was not successful"}
}

func classifyResponseError(err error, method, path string) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		// Undecodable body from a 2xx: treat like a broken transport.
		return errors.DomainWrap(errors.ErrTransient, err, method+" "+path).
			Component("inference").
			Build()
	}

	msg := apiMessage(statusErr.Body)
	switch {
	case statusErr.IsServerError():
		return errors.DomainWrap(errors.ErrTransient, statusErr, method+" "+path).
			Component("inference").
			Context("status_code", statusErr.StatusCode).
			Build()
	case statusErr.StatusCode == http.StatusNotFound:
		return errors.Domain(errors.ErrRunNotFound, "%s", msg).
			Component("inference").
			Context("status_code", statusErr.StatusCode).
			Build()
	default:
		return errors.Domain(errors.ErrInvalidRequest, "%s", msg).
			Component("inference").
			Context("status_code", statusErr.StatusCode).
			Build()
	}
}

// apiMessage extracts the envelope error message from a failed response body.
func apiMessage(body string) string {
	var env Envelope[json.RawMessage]
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if body == "" {
		return "request rejected"
	}
	return body
}
