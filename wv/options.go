package wv

import (
	"crypto/rand"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type options struct {
	rand       io.Reader
	now        func() time.Time
	logger     *zap.Logger
	signer     Signer
	httpClient *http.Client
}

// Option configures a CDM or a device.
type Option func(*options)

func defaultOptions() []Option {
	return []Option{
		WithRandom(rand.Reader),
		WithNow(time.Now),
		WithLogger(zap.NewNop()),
		WithHTTPClient(&http.Client{Timeout: 20 * time.Second}),
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range defaultOptions() {
		opt(o)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithRandom sets the random source used for session ids, nonces, privacy
// keys and RSA padding. It must be cryptographically secure outside of tests.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		o.rand = r
	}
}

// WithNow sets the clock used for license request times.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSigner substitutes the private key operations of a local device, e.g.
// with a hardware backed implementation. It takes precedence over the
// device's own private key.
func WithSigner(signer Signer) Option {
	return func(o *options) {
		o.signer = signer
	}
}

// WithHTTPClient sets the client a remote device uses to reach its signer.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}
