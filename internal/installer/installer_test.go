package installer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/benmeehan/display-ota/internal/constants"
	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/mocks"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/internal/registry"
	"github.com/benmeehan/display-ota/pkg/bundle"
	"github.com/benmeehan/display-ota/pkg/file"
	"github.com/benmeehan/display-ota/pkg/partition"
	"github.com/benmeehan/display-ota/pkg/sysinfo"
	"github.com/benmeehan/display-ota/pkg/transport"
)

type fixture struct {
	dir      string
	table    *partition.FileTable
	store    *registry.Registry
	watchdog *mocks.MockWatchdog
	source   *mocks.MockArtifactSource
	inst     *Installer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fs := file.NewFileService()
	slots := []partition.Slot{
		{Label: "a", Path: filepath.Join(dir, "slot_a.img"), Size: 4096},
		{Label: "b", Path: filepath.Join(dir, "slot_b.img"), Size: 4096},
	}
	table, err := partition.NewFileTable(dir, slots, "a", fs, zerolog.Nop())
	require.NoError(t, err)
	store, err := registry.New(filepath.Join(dir, "registry.json"), fs, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		dir:      dir,
		table:    table,
		store:    store,
		watchdog: mocks.NewPermissiveWatchdog(),
		source:   new(mocks.MockArtifactSource),
	}
	f.inst = New(Options{
		ChunkSize:      128,
		ChunkTimeout:   time.Second,
		StallTimeout:   time.Second,
		HeaderTimeout:  time.Second,
		FilesystemRoot: filepath.Join(dir, "fs"),
	}, table, store, f.watchdog, f.source, sysinfo.StaticProbe{Memory: 1 << 30, Disk: 1 << 30, Network: true}, zerolog.Nop())
	return f
}

func (f *fixture) serve(url string, data []byte, size int64) {
	f.source.On("Open", mock.Anything, url).Return(io.NopCloser(bytes.NewReader(data)), size, nil).Once()
}

func size(n int64) *int64 { return &n }

func sha(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TestInstall_BinaryLandsInInactiveSlot tests a binary install into the inactive slot.
func TestInstall_BinaryLandsInInactiveSlot(t *testing.T) {
	// Setup
	f := newFixture(t)
	image := bytes.Repeat([]byte{0xE9}, 1000)
	f.serve("https://cdn/fw.bin", image, 1000)
	var progress []int64
	f.inst.OnProgress(func(s models.DownloadSession) { progress = append(progress, s.BytesWritten) })

	// Execute
	result, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:      "2.0.0",
		ArtifactKind: constants.ArtifactBinary,
		ArtifactURL:  "https://cdn/fw.bin",
		Checksum:     sha(image),
		SizeBytes:    size(1000),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "b", result.Partition)
	assert.Equal(t, int64(1000), result.BytesWritten)
	assert.True(t, result.RebootNeeded)
	assert.NotEmpty(t, result.SessionID)

	assert.Equal(t, "2.0.0", f.store.PartitionVersion("b"))
	ctl, err := f.table.Control()
	require.NoError(t, err)
	assert.Equal(t, "b", ctl.Boot)
	assert.True(t, ctl.Pending)
	assert.Equal(t, partition.SlotPendingVerify, ctl.Slots["b"].State)
	assert.Equal(t, "2.0.0", ctl.Slots["b"].Version)

	written, err := os.ReadFile(filepath.Join(f.dir, "slot_b.img"))
	require.NoError(t, err)
	assert.Equal(t, image, written)
	require.NotEmpty(t, progress)
	assert.Equal(t, int64(1000), progress[len(progress)-1])

	f.watchdog.AssertCalled(t, "Suspend")
	f.watchdog.AssertCalled(t, "Resume")
	f.watchdog.AssertCalled(t, "Feed")
}

// TestInstall_ChecksumMismatchInvalidatesSlot tests that a checksum mismatch leaves the boot pointer alone.
func TestInstall_ChecksumMismatchInvalidatesSlot(t *testing.T) {
	// Setup
	f := newFixture(t)
	image := bytes.Repeat([]byte{1}, 500)
	f.serve("https://cdn/fw.bin", image, 500)

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:     "2.0.0",
		ArtifactURL: "https://cdn/fw.bin",
		Checksum:    "sha256:" + sha([]byte("something else")),
	})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
	meta, _ := f.table.Meta("b")
	assert.Equal(t, partition.SlotInvalid, meta.State)
	ctl, _ := f.table.Control()
	assert.Equal(t, "a", ctl.Boot)
	assert.False(t, ctl.Pending)
	assert.Empty(t, f.store.PartitionVersion("b"))
	f.watchdog.AssertCalled(t, "Resume")
}

// TestInstall_Blake2bChecksum tests verification with a blake2b-256 checksum.
func TestInstall_Blake2bChecksum(t *testing.T) {
	// Setup
	f := newFixture(t)
	image := []byte("blake2b protected image")
	f.serve("https://cdn/fw.bin", image, -1)
	sum := blake2b.Sum256(image)

	// Execute
	result, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:     "2.1.0",
		ArtifactURL: "https://cdn/fw.bin",
		Checksum:    "blake2b-256:" + hex.EncodeToString(sum[:]),
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(len(image)), result.BytesWritten)
}

// TestInstall_ShortDownload tests a download that ends before the declared size.
func TestInstall_ShortDownload(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.serve("https://cdn/fw.bin", make([]byte, 600), -1)

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:     "2.0.0",
		ArtifactURL: "https://cdn/fw.bin",
		SizeBytes:   size(1000),
	})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrShortRead))
	meta, _ := f.table.Meta("b")
	assert.Equal(t, partition.SlotInvalid, meta.State)
}

// TestInstall_TrailingBytesAreCorruption tests data past the declared size.
func TestInstall_TrailingBytesAreCorruption(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.serve("https://cdn/fw.bin", make([]byte, 1200), -1)

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:     "2.0.0",
		ArtifactURL: "https://cdn/fw.bin",
		SizeBytes:   size(1000),
	})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestInstall_TooLargeForSlot tests an artifact larger than the slot.
func TestInstall_TooLargeForSlot(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.serve("https://cdn/fw.bin", make([]byte, 10), 10)

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:     "2.0.0",
		ArtifactURL: "https://cdn/fw.bin",
		SizeBytes:   size(10_000),
	})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrInsufficientSpace))
	f.watchdog.AssertCalled(t, "Resume")
}

// TestInstall_SourceFailure tests an artifact source that cannot be opened.
func TestInstall_SourceFailure(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.source.On("Open", mock.Anything, "https://cdn/fw.bin").Return(nil, int64(0), errs.Network("GET", errors.New("refused")))

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{Version: "2.0.0", ArtifactURL: "https://cdn/fw.bin"})

	// Assert
	assert.True(t, errs.Retryable(err))
	assert.False(t, f.inst.Active())
	f.watchdog.AssertCalled(t, "Resume")
}

// TestInstall_WatchdogSuspendFailure tests that no transfer starts when the watchdog cannot be suspended.
func TestInstall_WatchdogSuspendFailure(t *testing.T) {
	// Setup
	f := newFixture(t)
	wd := new(mocks.MockWatchdog)
	wd.On("Suspend").Return(errors.New("no watchdog"))
	f.inst.watchdog = wd

	// Execute
	_, err := f.inst.Install(context.Background(), models.UpdateManifest{Version: "2.0.0", ArtifactURL: "https://cdn/fw.bin"})

	// Assert
	assert.Error(t, err)
	f.source.AssertNotCalled(t, "Open", mock.Anything, mock.Anything)
}

// TestInstall_RejectsConcurrentSession tests that a second session is refused.
func TestInstall_RejectsConcurrentSession(t *testing.T) {
	f := newFixture(t)
	pr, pw := io.Pipe()
	f.source.On("Open", mock.Anything, "https://cdn/slow.bin").Return(io.ReadCloser(pr), int64(-1), nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.inst.Install(context.Background(), models.UpdateManifest{Version: "2.0.0", ArtifactURL: "https://cdn/slow.bin"})
		done <- err
	}()
	require.Eventually(t, f.inst.Active, time.Second, 5*time.Millisecond)

	_, err := f.inst.Install(context.Background(), models.UpdateManifest{Version: "2.0.1", ArtifactURL: "https://cdn/other.bin"})
	assert.ErrorIs(t, err, errs.ErrSessionActive)

	_, _ = pw.Write([]byte("image"))
	pw.Close()
	assert.NoError(t, <-done)
}

// TestInstall_Bundle tests a bundle install into the filesystem root.
func TestInstall_Bundle(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	w, err := bundle.NewWriter(&buf, 2, 11)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry(models.BundleEntry{Path: "index.html", SizeBytes: 5}, bytes.NewReader([]byte("hello"))))
	require.NoError(t, w.WriteEntry(models.BundleEntry{Path: "css/site.css", SizeBytes: 6}, bytes.NewReader([]byte("body{}"))))
	require.NoError(t, w.Close())
	f.serve("https://cdn/web.lmwb", buf.Bytes(), int64(buf.Len()))

	result, err := f.inst.Install(context.Background(), models.UpdateManifest{
		Version:      "2.0.0",
		ArtifactKind: constants.ArtifactBundle,
		ArtifactURL:  "https://cdn/web.lmwb",
		Checksum:     sha(buf.Bytes()),
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"index.html", "css/site.css"}, result.Files)
	assert.Equal(t, int64(11), result.BytesWritten)
	got, err := os.ReadFile(filepath.Join(f.dir, "fs", "css", "site.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(got))

	ctl, _ := f.table.Control()
	assert.Equal(t, "a", ctl.Boot, "bundles never touch the boot pointer")
}

// TestInstall_BundleInsufficientDisk tests a bundle that does not fit on disk.
func TestInstall_BundleInsufficientDisk(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.inst.probe = sysinfo.StaticProbe{Memory: 1 << 30, Disk: 4}
	var buf bytes.Buffer
	w, err := bundle.NewWriter(&buf, 1, 5)
	require.NoError(t, err)
	require.NoError(t, w.WriteEntry(models.BundleEntry{Path: "a", SizeBytes: 5}, bytes.NewReader([]byte("hello"))))
	f.serve("https://cdn/web.lmwb", buf.Bytes(), -1)

	// Execute
	_, err = f.inst.Install(context.Background(), models.UpdateManifest{
		Version:      "2.0.0",
		ArtifactKind: constants.ArtifactBundle,
		ArtifactURL:  "https://cdn/web.lmwb",
	})

	// Assert
	assert.True(t, errors.Is(err, errs.ErrInsufficientSpace))
}

type plainClients struct{}

func (plainClients) NewClient(string, ...transport.ClientOption) *http.Client { return &http.Client{} }

// TestHTTPSource tests opening artifacts over HTTP.
func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fw.bin" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("firmware"))
	}))
	defer srv.Close()
	src := Sources{HTTP: &HTTPSource{Clients: plainClients{}}}

	body, n, err := src.Open(context.Background(), srv.URL+"/fw.bin")
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	body.Close()
	assert.Equal(t, "firmware", string(data))
	assert.Equal(t, int64(8), n)

	_, _, err = src.Open(context.Background(), srv.URL+"/missing.bin")
	assert.ErrorIs(t, err, errs.ErrNetwork)

	_, _, err = src.Open(context.Background(), "s3://bucket/fw.bin")
	assert.Error(t, err)
}

// TestNewVerifier tests parsing checksum strings.
func TestNewVerifier(t *testing.T) {
	// Setup
	v, err := NewVerifier("")
	assert.NoError(t, err)
	assert.Nil(t, v)

	// Execute
	_, err = NewVerifier("md5:abcd")
	assert.Error(t, err)
	_, err = NewVerifier("sha256:zz")
	assert.Error(t, err)
	_, err = NewVerifier("sha256:abcd")
	assert.Error(t, err, "wrong digest length")

	// Assert
	v, err = NewVerifier(sha([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "sha256", v.Algorithm)
	_, _ = v.Write([]byte("x"))
	assert.NoError(t, v.Verify(1))
}
