package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/pkg/bundle"
	"github.com/benmeehan/display-ota/pkg/partition"
	"github.com/benmeehan/display-ota/pkg/stream"
	"github.com/benmeehan/display-ota/pkg/sysinfo"
)

// Watchdog is the part of the watchdog coordinator an install needs.
type Watchdog interface {
	Suspend() error
	Resume() error
	Feed() error
}

// ProgressFunc receives a snapshot of the running session.
type ProgressFunc func(session models.DownloadSession)

// Options tune the transfer.
type Options struct {
	ChunkSize      int
	ChunkTimeout   time.Duration
	StallTimeout   time.Duration
	HeaderTimeout  time.Duration
	MemoryFloor    uint64 // Abort when free memory drops below this; 0 disables
	FilesystemRoot string // Where bundle entries are extracted
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = constants.DefaultChunkSize
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = constants.DefaultChunkTimeout
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = constants.DefaultStallTimeout
	}
	if o.HeaderTimeout <= 0 {
		o.HeaderTimeout = constants.DefaultHeaderTimeout
	}
}

// Installer writes artifacts into the inactive slot or the filesystem partition.
type Installer struct {
	opts     Options
	table    partition.Table
	store    registry.Store
	watchdog Watchdog
	source   ArtifactSource
	probe    sysinfo.Probe
	logger   zerolog.Logger
	progress ProgressFunc
	active   atomic.Bool
	now      func() time.Time
}

// New builds an Installer.
func New(opts Options, table partition.Table, store registry.Store, watchdog Watchdog,
	source ArtifactSource, probe sysinfo.Probe, logger zerolog.Logger) *Installer {
	opts.applyDefaults()
	return &Installer{
		opts:     opts,
		table:    table,
		store:    store,
		watchdog: watchdog,
		source:   source,
		probe:    probe,
		logger:   logger,
		now:      time.Now,
	}
}

// OnProgress registers a progress callback.
func (i *Installer) OnProgress(fn ProgressFunc) {
	i.progress = fn
}

// Active reports whether an install session is running.
func (i *Installer) Active() bool {
	return i.active.Load()
}

// Install downloads and installs the artifact described by manifest. It never
// reboots; the caller decides what to do with RebootNeeded.
func (i *Installer) Install(ctx context.Context, manifest models.UpdateManifest) (models.InstallResult, error) {
	if !i.active.CompareAndSwap(false, true) {
		return models.InstallResult{}, errs.ErrSessionActive
	}
	defer i.active.Store(false)

	session := &models.DownloadSession{
		ID:           uuid.NewString(),
		ExpectedSize: manifest.ExpectedSize(),
		StartedAt:    i.now(),
	}
	log := i.logger.With().Str("session", session.ID).Str("version", manifest.Version).Logger()
	result := models.InstallResult{SessionID: session.ID, Version: manifest.Version, Kind: manifest.ArtifactKind}

	verifier, err := NewVerifier(manifest.Checksum)
	if err != nil {
		return result, errs.Corruption(0, "%v", err)
	}

	if err := i.watchdog.Suspend(); err != nil {
		return result, fmt.Errorf("failed to suspend watchdog: %w", err)
	}
	defer func() {
		if err := i.watchdog.Resume(); err != nil {
			log.Error().Err(err).Msg("Failed to resume watchdog")
		}
	}()

	log.Info().Str("url", manifest.ArtifactURL).Str("kind", string(manifest.ArtifactKind)).Msg("Starting install")

	body, size, err := i.source.Open(ctx, manifest.ArtifactURL)
	if err != nil {
		return result, err
	}
	defer body.Close()

	if session.ExpectedSize < 0 && size > 0 {
		session.ExpectedSize = size
	} else if session.ExpectedSize >= 0 && size > 0 && size != session.ExpectedSize {
		log.Warn().Int64("declared", session.ExpectedSize).Int64("content_length", size).Msg("Content length differs from manifest size")
	}

	var reader io.Reader = body
	if verifier != nil {
		reader = io.TeeReader(body, verifier)
	}
	s := stream.New(reader, i.opts.ChunkSize, log)

	switch manifest.ArtifactKind {
	case constants.ArtifactBundle:
		err = i.installBundle(ctx, s, session, verifier, &result, log)
	default:
		err = i.installBinary(ctx, s, session, manifest, verifier, &result, log)
	}
	result.BytesWritten = session.BytesWritten
	if err != nil {
		log.Error().Err(err).Str("kind", errs.Kind(err)).Int64("offset", s.Offset()).Msg("Install failed")
		return result, err
	}

	result.RebootNeeded = true
	log.Info().Int64("bytes", result.BytesWritten).Dur("elapsed", i.now().Sub(session.StartedAt)).Msg("Install complete")
	return result, nil
}

func (i *Installer) downloadOptions(session *models.DownloadSession, base int64) stream.DownloadOptions {
	return stream.DownloadOptions{
		Expected:     session.ExpectedSize,
		ChunkTimeout: i.opts.ChunkTimeout,
		StallTimeout: i.opts.StallTimeout,
		Feeder:       i.watchdog,
		Probe:        i.probe,
		MemoryFloor:  i.opts.MemoryFloor,
		Progress: func(written, _ int64) {
			session.BytesWritten = base + written
			session.LastProgressAt = i.now()
			if i.progress != nil {
				i.progress(*session)
			}
		},
	}
}

func (i *Installer) installBinary(ctx context.Context, s *stream.FramedStream, session *models.DownloadSession,
	manifest models.UpdateManifest, verifier *Verifier, result *models.InstallResult, log zerolog.Logger) error {
	slot, err := i.table.NextUpdate()
	if err != nil {
		return err
	}
	result.Partition = slot.Label

	w, err := i.table.OpenWriter(slot.Label, session.ExpectedSize)
	if err != nil {
		return err
	}
	finalized := false
	defer func() {
		if !finalized {
			if abortErr := w.Abort(); abortErr != nil {
				log.Error().Err(abortErr).Str("slot", slot.Label).Msg("Failed to invalidate slot")
			}
		}
	}()

	opts := i.downloadOptions(session, 0)
	opts.Limit = manifest.ExpectedSize()
	n, err := s.Download(ctx, w, opts)
	session.BytesWritten = n
	if err != nil {
		return err
	}
	if opts.Limit >= 0 {
		if err := s.ExpectEOF(i.opts.HeaderTimeout); err != nil {
			return err
		}
	}
	if session.ExpectedSize >= 0 && n != session.ExpectedSize {
		return errs.Corruption(s.Offset(), "received %d bytes, expected %d", n, session.ExpectedSize)
	}
	if n == 0 {
		return errs.Corruption(0, "empty firmware image")
	}
	if verifier != nil {
		if err := verifier.Verify(s.Offset()); err != nil {
			return err
		}
		log.Info().Str("algorithm", verifier.Algorithm).Msg("Checksum verified")
	}

	if _, err := w.Finalize(manifest.Version); err != nil {
		return err
	}
	finalized = true

	if err := i.store.SetPartitionVersion(slot.Label, manifest.Version); err != nil {
		// The slot metadata already carries the version; boot validation reconciles the registry.
		log.Warn().Err(err).Str("slot", slot.Label).Msg("Failed to record partition version")
	}
	if err := i.table.SetBootPending(slot.Label); err != nil {
		if invErr := i.table.MarkInvalid(slot.Label); invErr != nil {
			log.Error().Err(invErr).Msg("Failed to invalidate slot")
		}
		return fmt.Errorf("failed to set boot partition: %w", err)
	}
	return nil
}

func (i *Installer) installBundle(ctx context.Context, s *stream.FramedStream, session *models.DownloadSession,
	verifier *Verifier, result *models.InstallResult, log zerolog.Logger) error {
	root := i.opts.FilesystemRoot
	if root == "" {
		return fmt.Errorf("no filesystem root configured for bundle installs")
	}

	r := bundle.NewReader(s, i.opts.HeaderTimeout)
	header, err := r.ReadHeader()
	if err != nil {
		return err
	}
	log.Info().Uint64("entries", header.EntryCount).Uint64("payload", header.TotalPayloadSize).Msg("Bundle header read")

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", root, err)
	}
	if i.probe != nil {
		if free, err := i.probe.FreeDisk(root); err == nil && free < header.TotalPayloadSize {
			return errs.InsufficientSpace("bundle needs %d bytes, %d free on %s", header.TotalPayloadSize, free, root)
		}
	}
	if session.ExpectedSize < 0 {
		session.ExpectedSize = int64(header.TotalPayloadSize)
	}

	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("bundle install cancelled: %w", err)
		}
		entry, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		dest := filepath.Join(root, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", entry.Path, err)
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", entry.Path, err)
		}

		opts := i.downloadOptions(session, done)
		opts.Expected = 0 // milestones per entry
		n, err := r.Copy(ctx, f, opts)
		closeErr := f.Close()
		done += n
		session.BytesWritten = done
		if err != nil {
			return fmt.Errorf("entry %s: %w", entry.Path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to close %s: %w", entry.Path, closeErr)
		}

		result.Files = append(result.Files, entry.Path)
		log.Debug().Str("path", entry.Path).Uint64("size", entry.SizeBytes).Msg("Bundle entry written")
	}

	if err := r.Finish(); err != nil {
		return err
	}
	if verifier != nil {
		if err := verifier.Verify(s.Offset()); err != nil {
			return err
		}
		log.Info().Str("algorithm", verifier.Algorithm).Msg("Checksum verified")
	}
	return nil
}
