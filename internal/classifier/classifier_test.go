package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const endpoint = "http://classifier.test/infer"

func newMockClassifier(t *testing.T) (*HTTPClassifier, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	hc := httpclient.New(&httpclient.Config{Transport: transport})
	c, err := NewHTTP(endpoint, hc, time.Second, nil)
	require.NoError(t, err)
	return c, transport
}

func TestClassifyConvertsWells(t *testing.T) {
	t.Parallel()

	c, transport := newMockClassifier(t)
	var got Request
	transport.RegisterResponder(http.MethodPost, endpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusOK, `{
			"wells": [
				{"label": "a1", "class": "POSITIVE", "confidence": 1.4, "bbox": [1, 2, 3, 4]},
				{"label": "B12", "class": "smudge", "confidence": 0.3, "bbox": [5, 6, 7, 8]}
			],
			"annotated_image_path": "annotated/7.jpg"
		}`), nil
	})

	result, err := c.Classify(context.Background(), Request{RunID: 7, ImagePath: "uploads/7.jpg", ConfidenceThreshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, Request{RunID: 7, ImagePath: "uploads/7.jpg", ConfidenceThreshold: 0.5}, got)

	require.Len(t, result.Wells, 2)
	assert.Equal(t, entities.WellPrediction{
		Label: "A1", Class: entities.WellPositive, Confidence: 1, X1: 1, Y1: 2, X2: 3, Y2: 4,
	}, result.Wells[0])
	assert.Equal(t, entities.WellInvalid, result.Wells[1].Class)
	assert.Equal(t, "annotated/7.jpg", result.AnnotatedImagePath)
}

func TestClassifyErrorClasses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responder httpmock.Responder
		transient bool
	}{
		{"transport", httpmock.NewErrorResponder(fmt.Errorf("connection refused")), true},
		{"server error", httpmock.NewStringResponder(http.StatusBadGateway, "upstream"), true},
		{"malformed body", httpmock.NewStringResponder(http.StatusOK, "{"), true},
		{"rejected", httpmock.NewStringResponder(http.StatusUnprocessableEntity, "plate not detected"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, transport := newMockClassifier(t)
			transport.RegisterResponder(http.MethodPost, endpoint, tt.responder)

			_, err := c.Classify(context.Background(), Request{RunID: 1, ImagePath: "x.jpg"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
			assert.Equal(t, !tt.transient, errors.IsInvalidRequest(err))
		})
	}
}

func TestClassifyValidates(t *testing.T) {
	t.Parallel()

	c, transport := newMockClassifier(t)
	_, err := c.Classify(context.Background(), Request{RunID: 1})
	assert.True(t, errors.IsInvalidRequest(err))
	assert.Zero(t, transport.GetTotalCallCount())

	_, err = NewHTTP("localhost", nil, 0, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}
