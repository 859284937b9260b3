// Package classifier calls the well classification service. The service is
// opaque: it receives an image path and returns one prediction per detected
// well.
package classifier

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/platelab/platevision/internal/logger"
)

// Request asks for the wells of one run's image.
type Request struct {
	RunID               uint    `json:"run_id"`
	ImagePath           string  `json:"image_path"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Result is the classification of one image.
type Result struct {
	Wells              []entities.WellPrediction
	AnnotatedImagePath string
	Duration           time.Duration
}

// Classifier classifies plate images.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}

type wellJSON struct {
	Label      string     `json:"label"`
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"`
}

type responseJSON struct {
	Wells              []wellJSON `json:"wells"`
	AnnotatedImagePath string     `json:"annotated_image_path"`
}

// HTTPClassifier posts requests to a classification endpoint.
type HTTPClassifier struct {
	http     *httpclient.Client
	endpoint string
	timeout  time.Duration
	log      logger.Logger
}

// NewHTTP returns a classifier posting to endpoint. timeout bounds one call;
// zero leaves the client default.
func NewHTTP(endpoint string, hc *httpclient.Client, timeout time.Duration, log logger.Logger) (*HTTPClassifier, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid classifier URL %q", endpoint).
			Component("classifier").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	if log == nil {
		log = logger.NewDiscard()
	}
	return &HTTPClassifier{
		http:     hc,
		endpoint: u.String(),
		timeout:  timeout,
		log:      log.Module("classifier"),
	}, nil
}

// Classify sends req and converts the wells. Transport failures and 5xx are
// transient; any other refusal is an invalid request carrying the body.
func (c *HTTPClassifier) Classify(ctx context.Context, req Request) (*Result, error) {
	if req.ImagePath == "" {
		return nil, errors.Domain(errors.ErrInvalidRequest, "image path is required").
			Component("classifier").
			Build()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.http.Post(ctx, c.endpoint, "", req)
	if err != nil {
		return nil, errors.DomainWrap(errors.ErrTransient, err, "classifier request failed").
			Component("classifier").
			NetworkContext(c.endpoint, c.timeout).
			Context("run_id", req.RunID).
			Build()
	}

	var body responseJSON
	if err := httpclient.DecodeJSON(resp, &body); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && !statusErr.IsServerError() {
			return nil, errors.DomainWrap(errors.ErrInvalidRequest, err, "classifier rejected image").
				Component("classifier").
				Context("run_id", req.RunID).
				Context("status_code", statusErr.StatusCode).
				Build()
		}
		return nil, errors.DomainWrap(errors.ErrTransient, err, "classifier response").
			Component("classifier").
			Context("run_id", req.RunID).
			Build()
	}

	result := &Result{
		Wells:              make([]entities.WellPrediction, 0, len(body.Wells)),
		AnnotatedImagePath: body.AnnotatedImagePath,
		Duration:           time.Since(start),
	}
	for _, w := range body.Wells {
		result.Wells = append(result.Wells, entities.WellPrediction{
			Label:      strings.ToUpper(strings.TrimSpace(w.Label)),
			Class:      entities.ParseWellClass(w.Class),
			Confidence: entities.ClampConfidence(w.Confidence),
			X1:         w.BBox[0],
			Y1:         w.BBox[1],
			X2:         w.BBox[2],
			Y2:         w.BBox[3],
		})
	}

	c.log.Debug("image classified",
		logger.Uint64("run_id", uint64(req.RunID)),
		logger.Int("wells", len(result.Wells)),
		logger.Duration("duration", result.Duration))
	return result, nil
}
