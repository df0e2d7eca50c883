package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/pkg/transport"
)

const maxDocumentBytes = 256 << 10

// ClientFactory builds HTTP clients bound to the device trust anchor.
type ClientFactory interface {
	NewClient(target string, options ...transport.ClientOption) *http.Client
}

// ActivityChecker reports whether an install session is running.
type ActivityChecker interface {
	Active() bool
}

// Options configure discovery.
type Options struct {
	CurrentVersion string
	DefaultURL     string   // Fallback manifest URL
	CloudBaseURL   string   // When set, the manifest URL defaults to <base>/functions/v1/get-manifest
	ReleasesURL    string   // Latest-release endpoint; empty disables the fallback
	Board          string   // Board type used to pick per-board artifacts
	KnownBoards    []string // Sibling board names asset selection must tell apart
}

// Discovery finds out whether a newer firmware is published.
type Discovery struct {
	opts     Options
	clients  ClientFactory
	store    registry.Store
	sessions ActivityChecker
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger
}

// New builds a Discovery. sessions may be nil.
func New(opts Options, clients ClientFactory, store registry.Store, sessions ActivityChecker, logger zerolog.Logger) *Discovery {
	if len(opts.KnownBoards) == 0 {
		opts.KnownBoards = DefaultKnownBoards
	}
	d := &Discovery{
		opts:     opts,
		clients:  clients,
		store:    store,
		sessions: sessions,
		logger:   logger,
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "update-discovery",
		MaxRequests: 1,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			// Only transport failures say anything about the server being reachable.
			return err == nil || !errs.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Discovery circuit changed state")
		},
	})
	return d
}

// UpdateURL resolves the manifest URL: persisted override, then the cloud
// base, then the compiled-in default.
func (d *Discovery) UpdateURL() string {
	if url := strings.TrimSpace(d.store.UpdateURL()); url != "" {
		return url
	}
	if d.opts.CloudBaseURL != "" {
		return strings.TrimRight(d.opts.CloudBaseURL, "/") + constants.DefaultManifestPath
	}
	if d.opts.DefaultURL != "" {
		return d.opts.DefaultURL
	}
	return constants.DefaultUpdateURL
}

// CurrentVersion returns the running firmware version.
func (d *Discovery) CurrentVersion() string {
	return d.opts.CurrentVersion
}

// Check runs one discovery cycle: manifest first, releases as fallback.
func (d *Discovery) Check(ctx context.Context) (models.CheckResult, error) {
	result := models.CheckResult{
		Status:         constants.NoUpdateAvailable,
		CurrentVersion: d.opts.CurrentVersion,
	}
	if d.sessions != nil && d.sessions.Active() {
		return result, errs.ErrSessionActive
	}

	// Read once; changes made while this cycle runs apply to the next one.
	manifestURL := d.UpdateURL()
	failed := d.store.FailedVersion()

	manifest, err := d.FetchManifest(ctx, manifestURL)
	result.Source = constants.SourceManifest
	if err != nil {
		d.logger.Warn().Err(err).Str("url", manifestURL).Msg("Manifest check failed")
		if d.opts.ReleasesURL == "" || ctx.Err() != nil {
			return result, err
		}
		var relErr error
		manifest, relErr = d.FetchLatestRelease(ctx)
		if relErr != nil {
			d.logger.Error().Err(relErr).Str("url", d.opts.ReleasesURL).Msg("Release check failed")
			return result, errors.Join(err, relErr)
		}
		result.Source = constants.SourceReleases
	}

	newer, err := d.isNewer(manifest.Version)
	if err != nil {
		return result, err
	}
	if !newer {
		d.logger.Debug().Str("current", d.opts.CurrentVersion).Str("latest", manifest.Version).Msg("Already on latest version")
		return result, nil
	}
	if SameVersion(manifest.Version, failed) {
		d.logger.Info().Str("version", manifest.Version).Msg("Skipping version that previously failed")
		result.Suppressed = true
		return result, nil
	}

	result.Status = constants.UpdateAvailable
	result.Manifest = manifest
	d.logger.Info().
		Str("current", d.opts.CurrentVersion).
		Str("latest", manifest.Version).
		Str("source", string(result.Source)).
		Str("url", manifest.ArtifactURL).
		Msg("Update available")
	return result, nil
}

func (d *Discovery) isNewer(candidate string) (bool, error) {
	next, err := ParseVersion(candidate)
	if err != nil {
		return false, errs.Corruption(0, "%v", err)
	}
	current, err := ParseVersion(d.opts.CurrentVersion)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Running version is not semantic, any published version is newer")
		return true, nil
	}
	return next.GreaterThan(current), nil
}

// FetchManifest downloads and validates the JSON manifest at url.
func (d *Discovery) FetchManifest(ctx context.Context, url string) (*models.UpdateManifest, error) {
	var m models.UpdateManifest
	if err := d.getJSON(ctx, url, nil, true, &m); err != nil {
		return nil, err
	}
	if err := d.resolveManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// FetchLatestRelease reads the latest release and adapts it to a manifest.
func (d *Discovery) FetchLatestRelease(ctx context.Context) (*models.UpdateManifest, error) {
	var release models.GithubRelease
	headers := map[string]string{"Accept": constants.GithubAcceptHeader}
	if err := d.getJSON(ctx, d.opts.ReleasesURL, headers, false, &release); err != nil {
		return nil, err
	}
	if release.TagName == "" {
		return nil, errs.Corruption(0, "release has no tag_name")
	}

	asset, kind, ok := SelectAsset(release.Assets, d.opts.Board, d.opts.KnownBoards)
	if !ok {
		return nil, errs.Corruption(0, "release %s has no firmware asset for board %q", release.TagName, d.opts.Board)
	}
	d.logger.Info().Str("asset", asset.Name).Str("kind", string(kind)).Msg("Selected release asset")

	m := releaseToManifest(release, asset, kind)
	if err := d.resolveManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

// resolveManifest fills per-board fields and checks the required ones.
func (d *Discovery) resolveManifest(m *models.UpdateManifest) error {
	if strings.TrimSpace(m.Version) == "" {
		return errs.Corruption(0, "manifest has no version")
	}
	if m.ArtifactURL == "" && d.opts.Board != "" {
		if artifact, ok := m.Firmware[d.opts.Board]; ok {
			m.ArtifactURL = artifact.URL
			if m.Checksum == "" {
				m.Checksum = artifact.Checksum
			}
			if m.SizeBytes == nil {
				m.SizeBytes = artifact.SizeBytes
			}
		}
	}
	if m.ArtifactURL == "" {
		return errs.Corruption(0, "manifest %s has no artifact for board %q", m.Version, d.opts.Board)
	}
	switch m.ArtifactKind {
	case "":
		m.ArtifactKind = constants.ArtifactBinary
	case constants.ArtifactBinary, constants.ArtifactBundle:
	default:
		return errs.Corruption(0, "unknown artifact kind %q", m.ArtifactKind)
	}
	if m.SizeBytes != nil && *m.SizeBytes < 0 {
		return errs.Corruption(0, "negative artifact size %d", *m.SizeBytes)
	}
	return nil
}

// getJSON performs one GET through the circuit breaker and decodes the body.
func (d *Discovery) getJSON(ctx context.Context, url string, headers map[string]string, signed bool, v any) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.doGetJSON(ctx, url, headers, signed, v)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.Network("GET "+url, err)
	}
	return err
}

func (d *Discovery) doGetJSON(ctx context.Context, url string, headers map[string]string, signed bool, v any) error {
	var options []transport.ClientOption
	if signed {
		options = append(options, transport.Signed())
	}
	client := d.clients.NewClient(url, options...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errs.Network("GET "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.Network("GET "+url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return errs.Network("read "+url, err)
	}
	if len(body) > maxDocumentBytes {
		return errs.Corruption(maxDocumentBytes, "document larger than %d bytes", maxDocumentBytes)
	}
	if err := json.Unmarshal(body, v); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return errs.Corruption(syntaxErr.Offset, "invalid JSON: %v", err)
		}
		return errs.Corruption(0, "invalid JSON: %v", err)
	}
	return nil
}
