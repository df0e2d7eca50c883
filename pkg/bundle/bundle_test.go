package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/pkg/stream"
)

type file struct {
	path string
	data []byte
}

func build(t *testing.T, files ...file) []byte {
	t.Helper()
	var total uint64
	for _, f := range files {
		total += uint64(len(f.data))
	}
	var buf bytes.Buffer
	w, err := NewWriter(&buf, uint64(len(files)), total)
	require.NoError(t, err)
	for _, f := range files {
		require.NoError(t, w.WriteEntry(models.BundleEntry{Path: f.path, SizeBytes: uint64(len(f.data))}, bytes.NewReader(f.data)))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// rawBundle hand-assembles a container so tests can lie about sizes.
func rawBundle(count, total uint64, body ...[]byte) []byte {
	b := append([]byte{}, Magic[:]...)
	b = append(b, FormatVersion)
	b = protowire.AppendVarint(b, count)
	b = protowire.AppendVarint(b, total)
	for _, part := range body {
		b = append(b, part...)
	}
	return b
}

func rawEntry(path string, size uint64, payload []byte) []byte {
	b := protowire.AppendVarint(nil, uint64(len(path)))
	b = append(b, path...)
	b = protowire.AppendVarint(b, size)
	return append(b, payload...)
}

// extract unpacks the whole bundle into memory.
func extract(data []byte) (map[string][]byte, error) {
	s := stream.New(bytes.NewReader(data), 64, zerolog.Nop())
	r := NewReader(s, time.Second)
	if _, err := r.ReadHeader(); err != nil {
		return nil, err
	}
	out := map[string][]byte{}
	for {
		entry, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		var sink bytes.Buffer
		if _, err := r.Copy(context.Background(), &sink, stream.DownloadOptions{ChunkTimeout: time.Second}); err != nil {
			return out, err
		}
		out[entry.Path] = sink.Bytes()
	}
	return out, r.Finish()
}

// TestRoundTrip tests packing and unpacking entries.
func TestRoundTrip(t *testing.T) {
	// Setup
	big := bytes.Repeat([]byte("0123456789"), 100)
	data := build(t,
		file{"index.html", []byte("<html></html>")},
		file{"static/app.js", big},
		file{"empty.txt", nil},
	)

	// Execute
	got, err := extract(data)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []byte("<html></html>"), got["index.html"])
	assert.Equal(t, big, got["static/app.js"])
	assert.Empty(t, got["empty.txt"])
	assert.Len(t, got, 3)
}

// TestHeaderFields tests the encoded header layout.
func TestHeaderFields(t *testing.T) {
	// Setup
	data := build(t, file{"a", []byte("xyz")}, file{"b/c", []byte("12")})
	s := stream.New(bytes.NewReader(data), 64, zerolog.Nop())

	// Execute
	h, err := NewReader(s, time.Second).ReadHeader()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Magic, h.Magic)
	assert.Equal(t, FormatVersion, h.FormatVersion)
	assert.Equal(t, uint64(2), h.EntryCount)
	assert.Equal(t, uint64(5), h.TotalPayloadSize)
}

// TestCorruptSizeBeyondPayload tests an entry size past the end of the stream.
func TestCorruptSizeBeyondPayload(t *testing.T) {
	// Setup
	// Entry claims 500 bytes but the header only declares 10.
	data := rawBundle(1, 10, rawEntry("a.bin", 500, make([]byte, 10)))

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestCorruptSizeShortPayload tests a stream ending inside an entry payload.
func TestCorruptSizeShortPayload(t *testing.T) {
	// Setup
	// Sizes agree with the header but the stream ends early.
	data := rawBundle(1, 500, rawEntry("a.bin", 500, make([]byte, 10)))

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrShortRead))
}

// TestTotalMismatch tests a total payload size that disagrees with the entries.
func TestTotalMismatch(t *testing.T) {
	// Setup
	data := rawBundle(1, 20, rawEntry("a.bin", 10, make([]byte, 10)))

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestTrailingData tests data after the last entry.
func TestTrailingData(t *testing.T) {
	// Setup
	data := append(build(t, file{"a", []byte("abc")}), 0xFF)

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestBadMagic tests rejection of an unknown magic.
func TestBadMagic(t *testing.T) {
	// Setup
	data := build(t, file{"a", []byte("abc")})
	data[0] = 'X'

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestBadFormatVersion tests rejection of an unknown format version.
func TestBadFormatVersion(t *testing.T) {
	// Setup
	data := build(t, file{"a", []byte("abc")})
	data[4] = 2

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrCorruption))
}

// TestPathEscape tests rejection of paths leaving the root.
func TestPathEscape(t *testing.T) {
	for _, p := range []string{"../etc/passwd", "/etc/passwd", "a/../../b", "a//b", "./a"} {
		data := rawBundle(1, 1, rawEntry(p, 1, []byte{1}))
		_, err := extract(data)
		assert.True(t, errors.Is(err, errs.ErrCorruption), p)
	}
}

// TestTruncatedVarint tests a varint cut off by the end of the stream.
func TestTruncatedVarint(t *testing.T) {
	// Setup
	data := append(append([]byte{}, Magic[:]...), FormatVersion, 0x80)

	// Execute
	_, err := extract(data)

	// Assert
	assert.True(t, errors.Is(err, errs.ErrShortRead))
}

// TestWriterRejectsShortPayload tests that the writer enforces declared sizes.
func TestWriterRejectsShortPayload(t *testing.T) {
	// Setup
	w, err := NewWriter(io.Discard, 1, 10)
	require.NoError(t, err)

	// Execute
	err = w.WriteEntry(models.BundleEntry{Path: "a", SizeBytes: 10}, bytes.NewReader([]byte("abc")))

	// Assert
	assert.Error(t, err)
}

// TestPackDir tests packing a directory tree.
func TestPackDir(t *testing.T) {
	// Setup
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "css", "site.css"), []byte("body{}"), 0o644))

	// Execute
	var buf bytes.Buffer
	h, err := PackDir(&buf, root, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.EntryCount)
	assert.Equal(t, uint64(11), h.TotalPayloadSize)

	// Assert
	got, err := extract(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got["index.html"])
	assert.Equal(t, []byte("body{}"), got["css/site.css"])
}
