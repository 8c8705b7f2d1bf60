// Package enrollment fulfills course seats by enrolling the order owner
// through the enrollment HTTP API.
package enrollment

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/fulfillment"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/product"
)

// Name identifies the module in logs and metrics.
const Name = "enrollment"

// DefaultRequestTimeout bounds a single enrollment request.
const DefaultRequestTimeout = 5 * time.Second

// Config configures the enrollment API client.
type Config struct {
	APIURL  string
	APIKey  string
	Timeout time.Duration
	// Client overrides the HTTP client. The default is instrumented with otelhttp.
	Client *http.Client
}

// Module enrolls students in courses after a seat purchase.
type Module struct {
	cfg    Config
	client *http.Client
}

var _ fulfillment.Module = (*Module)(nil)

// New creates an enrollment module. Missing API settings are not an error
// here: the lines it is asked to fulfill end in a configuration error.
func New(cfg Config) *Module {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRequestTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Module{cfg: cfg, client: client}
}

// Name implements fulfillment.Module.
func (m *Module) Name() string { return Name }

// Supports implements fulfillment.Module.
func (m *Module) Supports(line *order.Line) bool {
	return line.ProductClass == product.ClassSeat
}

// Fulfill implements fulfillment.Module.
func (m *Module) Fulfill(ctx context.Context, o *order.Order, lines []*order.Line) []order.LineStatus {
	lg := zctx.From(ctx).With(zap.String("order_number", o.Number), zap.String("module", Name))
	lg.Info("Fulfilling seat lines", zap.Int("lines", len(lines)))

	statuses := make([]order.LineStatus, len(lines))
	if m.cfg.APIURL == "" || m.cfg.APIKey == "" {
		lg.Error("Enrollment API URL and key must be configured")
		for i := range statuses {
			statuses[i] = order.LineFulfillmentConfigurationError
		}
		return statuses
	}

	for i, line := range lines {
		statuses[i] = m.fulfillLine(ctx, lg, o, line)
	}
	return statuses
}

func (m *Module) fulfillLine(ctx context.Context, lg *zap.Logger, o *order.Order, line *order.Line) order.LineStatus {
	lg = lg.With(zap.Int64("line_id", line.ID))

	courseKey := line.Attribute(product.AttrCourseKey)
	certificateType := line.Attribute(product.AttrCertificateType)
	if courseKey == "" || certificateType == "" {
		lg.Error("Seat is missing required attributes",
			zap.String("course_key", courseKey),
			zap.String("certificate_type", certificateType),
		)
		return order.LineFulfillmentConfigurationError
	}

	status, err := m.enroll(ctx, o.OwnerID, certificateType, courseKey)
	switch {
	case err == nil && status == http.StatusOK:
		lg.Info("Line fulfilled")
		return order.LineComplete
	case err == nil:
		lg.Error("Enrollment API rejected the request", zap.Int("status", status))
		return order.LineFulfillmentServerError
	case isTimeout(err):
		lg.Error("Enrollment API timed out", zap.Error(err))
		return order.LineFulfillmentTimeoutError
	default:
		lg.Error("Enrollment API unreachable", zap.Error(err))
		return order.LineFulfillmentNetworkError
	}
}

func (m *Module) enroll(ctx context.Context, user, mode, courseID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL, bytes.NewReader(encodeRequest(user, mode, courseID)))
	if err != nil {
		return 0, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Edx-Api-Key", m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "post enrollment")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func encodeRequest(user, mode, courseID string) []byte {
	e := &jx.Encoder{}
	e.ObjStart()
	e.FieldStart("user")
	e.Str(user)
	e.FieldStart("mode")
	e.Str(mode)
	e.FieldStart("course_details")
	e.ObjStart()
	e.FieldStart("course_id")
	e.Str(courseID)
	e.ObjEnd()
	e.ObjEnd()
	return e.Bytes()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
