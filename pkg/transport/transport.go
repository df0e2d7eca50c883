package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/pkg/encryption"
	"github.com/benmeehan/display-ota/pkg/file"
	"github.com/benmeehan/display-ota/pkg/sysinfo"
)

// ErrNoTrustAnchor is returned when peer verification is requested without a usable CA bundle.
var ErrNoTrustAnchor = errors.New("peer verification requested but no usable trust anchor")

// Options configure the clients produced by a Factory.
type Options struct {
	CABundle        []byte        // PEM trust anchor
	VerifyPeer      bool          // Verify the server certificate chain
	RequestTimeout  time.Duration // Total deadline for small requests (manifest, releases)
	DownloadTimeout time.Duration // Total deadline for artifact downloads, zero for none
	UserAgent       string        // Fixed User-Agent header
	MaxRedirects    int           // Redirects followed before giving up
}

// Factory builds TLS-bound HTTP clients shared by discovery and download.
type Factory struct {
	opts      Options
	tlsConfig *tls.Config
	signer    encryption.RequestSigner
	probe     sysinfo.Probe
	logger    zerolog.Logger
	now       func() time.Time
}

// NewFactory validates the trust policy up front. It fails closed: a factory
// asked to verify peers never falls back to an insecure configuration.
func NewFactory(opts Options, probe sysinfo.Probe, logger zerolog.Logger) (*Factory, error) {
	tlsConfig, err := NewTLSConfig(opts.CABundle, opts.VerifyPeer)
	if err != nil {
		return nil, err
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	return &Factory{
		opts:      opts,
		tlsConfig: tlsConfig,
		probe:     probe,
		logger:    logger.With().Str("component", "transport").Logger(),
		now:       time.Now,
	}, nil
}

// WithSigner attaches HMAC device headers to requests from clients built with Signed.
func (f *Factory) WithSigner(signer encryption.RequestSigner) *Factory {
	f.signer = signer
	return f
}

// NewTLSConfig builds a client TLS config bound to anchor. With verifyPeer set,
// an absent or unparseable anchor is an error.
func NewTLSConfig(anchor []byte, verifyPeer bool) (*tls.Config, error) {
	if !verifyPeer {
		return &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: true, // explicitly requested by the caller
		}, nil
	}
	if len(anchor) == 0 {
		return nil, ErrNoTrustAnchor
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(anchor) {
		return nil, fmt.Errorf("%w: failed to parse CA bundle", ErrNoTrustAnchor)
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}, nil
}

// LoadCABundle reads a PEM bundle. A missing file yields an empty anchor so the
// factory decides whether that is acceptable.
func LoadCABundle(fileClient file.FileOperations, path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	exists, err := fileClient.IsFileExists(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat CA bundle %s: %w", path, err)
	}
	if !exists {
		return nil, nil
	}
	return fileClient.ReadFileRaw(path)
}

// ClientOption tweaks a single client.
type ClientOption func(*clientSettings)

type clientSettings struct {
	download bool
	signed   bool
}

// ForDownload uses the download deadline instead of the request deadline. The
// body of a download is bounded by the caller's per-chunk stall deadline; only
// connecting and waiting for headers use the request deadline.
func ForDownload() ClientOption {
	return func(s *clientSettings) { s.download = true }
}

// Signed adds the device HMAC headers when a signer is configured.
func Signed() ClientOption {
	return func(s *clientSettings) { s.signed = true }
}

// NewClient returns a client primed for one request to target and logs the TLS
// context together with a free-memory snapshot.
func (f *Factory) NewClient(target string, options ...ClientOption) *http.Client {
	var settings clientSettings
	for _, opt := range options {
		opt(&settings)
	}
	timeout := f.opts.RequestTimeout
	if settings.download {
		timeout = f.opts.DownloadTimeout
	}

	f.logContext(target)

	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   15 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       f.tlsConfig.Clone(),
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: f.opts.RequestTimeout,
		DisableKeepAlives:     true,
	}

	rt := &headerTransport{base: base, userAgent: f.opts.UserAgent, now: f.now}
	if settings.signed {
		rt.signer = f.signer
	}

	maxRedirects := f.opts.MaxRedirects
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

func (f *Factory) logContext(target string) {
	event := f.logger.Info().
		Str("url", target).
		Time("time", f.now()).
		Str("verify", verifyMode(f.opts.VerifyPeer))
	if f.probe != nil {
		if free, err := f.probe.FreeMemory(); err == nil {
			event = event.Uint64("free_memory", free)
		}
	}
	event.Msg("TLS context")
}

func verifyMode(verify bool) string {
	if verify {
		return "on"
	}
	return "off"
}

// headerTransport stamps the fixed identity headers on every request,
// including the ones issued while following redirects.
type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	signer    encryption.RequestSigner
	now       func() time.Time
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if t.signer != nil && t.signer.Serial() != "" {
		ts := t.now().Unix()
		req.Header.Set("X-Device-Serial", t.signer.Serial())
		req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Signature", t.signer.Sign(ts, nil))
	}
	return t.base.RoundTrip(req)
}
