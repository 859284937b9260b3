package capture

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/httpclient"
)

// maxImageSize bounds a single capture download.
const maxImageSize = 32 << 20

// DeviceSource captures by calling GET {base}/capture on a camera endpoint.
type DeviceSource struct {
	http     *httpclient.Client
	endpoint string
}

// NewDeviceSource returns a Source for the device at baseURL.
func NewDeviceSource(baseURL string, hc *httpclient.Client) (*DeviceSource, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("invalid capture device URL %q", baseURL).
			Component("capture").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if hc == nil {
		hc = httpclient.New(nil)
	}
	return &DeviceSource{http: hc, endpoint: strings.TrimRight(u.String(), "/") + "/capture"}, nil
}

// Capture downloads one image.
func (d *DeviceSource) Capture(ctx context.Context) ([]byte, error) {
	resp, err := d.http.Get(ctx, d.endpoint)
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryCapture).
			Context("endpoint", d.endpoint).
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(&httpclient.StatusError{StatusCode: resp.StatusCode}).
			Component("capture").
			Category(errors.CategoryCapture).
			Context("endpoint", d.endpoint).
			Build()
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		return nil, errors.New(err).
			Component("capture").
			Category(errors.CategoryCapture).
			Context("endpoint", d.endpoint).
			Build()
	}
	return data, nil
}
