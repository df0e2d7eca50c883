package bundle

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/internal/models"
	"github.com/benmeehan/display-ota/pkg/stream"
)

// FormatVersion is the only container version this codec reads or writes.
const FormatVersion uint8 = 1

// MaxPathLen caps the entry path so it always fits one stream read.
const MaxPathLen = 255

// Magic opens every bundle.
var Magic = [4]byte{'L', 'M', 'W', 'B'}

// Reader walks a bundle container on a FramedStream. Entries must be consumed
// in order: Next, then Copy, then Next again.
type Reader struct {
	s        *stream.FramedStream
	timeout  time.Duration
	header   models.BundleHeader
	read     uint64 // Entries returned by Next
	declared uint64 // Sum of entry sizes seen so far
	pending  uint64 // Payload bytes of the current entry not yet copied
	opened   bool
}

// NewReader reads header fields with the given per-field timeout.
func NewReader(s *stream.FramedStream, timeout time.Duration) *Reader {
	return &Reader{s: s, timeout: timeout}
}

// ReadHeader parses and validates the container header.
func (r *Reader) ReadHeader() (models.BundleHeader, error) {
	raw, err := r.s.ReadExact(5, r.timeout)
	if err != nil {
		return models.BundleHeader{}, fmt.Errorf("bundle header: %w", err)
	}

	var h models.BundleHeader
	copy(h.Magic[:], raw[:4])
	h.FormatVersion = raw[4]
	if h.Magic != Magic {
		return h, errs.Corruption(0, "bad bundle magic %q", h.Magic[:])
	}
	if h.FormatVersion != FormatVersion {
		return h, errs.Corruption(4, "unsupported bundle format version %d", h.FormatVersion)
	}

	if h.EntryCount, err = r.readUvarint(); err != nil {
		return h, fmt.Errorf("bundle entry count: %w", err)
	}
	if h.TotalPayloadSize, err = r.readUvarint(); err != nil {
		return h, fmt.Errorf("bundle payload size: %w", err)
	}

	r.header = h
	r.opened = true
	return h, nil
}

// Next returns the next entry header, or io.EOF once EntryCount entries were read.
func (r *Reader) Next() (models.BundleEntry, error) {
	if !r.opened {
		return models.BundleEntry{}, fmt.Errorf("bundle header not read")
	}
	if r.pending > 0 {
		return models.BundleEntry{}, fmt.Errorf("previous entry has %d unread payload bytes", r.pending)
	}
	if r.read == r.header.EntryCount {
		return models.BundleEntry{}, io.EOF
	}

	at := r.s.Offset()
	pathLen, err := r.readUvarint()
	if err != nil {
		return models.BundleEntry{}, fmt.Errorf("entry %d path length: %w", r.read, err)
	}
	if pathLen == 0 || pathLen > MaxPathLen {
		return models.BundleEntry{}, errs.Corruption(at, "entry %d path length %d out of range", r.read, pathLen)
	}

	raw, err := r.s.ReadExact(int(pathLen), r.timeout)
	if err != nil {
		return models.BundleEntry{}, fmt.Errorf("entry %d path: %w", r.read, err)
	}
	name := string(raw)
	if err := ValidatePath(name); err != nil {
		return models.BundleEntry{}, errs.Corruption(at, "entry %d: %v", r.read, err)
	}

	at = r.s.Offset()
	size, err := r.readUvarint()
	if err != nil {
		return models.BundleEntry{}, fmt.Errorf("entry %d size: %w", r.read, err)
	}
	if size > r.header.TotalPayloadSize-r.declared {
		return models.BundleEntry{}, errs.Corruption(at, "entry %q size %d exceeds remaining payload %d",
			name, size, r.header.TotalPayloadSize-r.declared)
	}

	r.read++
	r.declared += size
	r.pending = size
	return models.BundleEntry{Path: name, SizeBytes: size}, nil
}

// Copy streams exactly the current entry's payload into sink. Limit in opts is
// overridden by the entry size.
func (r *Reader) Copy(ctx context.Context, sink io.Writer, opts stream.DownloadOptions) (int64, error) {
	opts.Limit = int64(r.pending)
	if opts.Expected <= 0 {
		opts.Expected = int64(r.pending)
	}
	n, err := r.s.Download(ctx, sink, opts)
	r.pending -= uint64(n)
	return n, err
}

// Finish checks the container accounting once every entry was consumed.
func (r *Reader) Finish() error {
	if r.read != r.header.EntryCount || r.pending != 0 {
		return errs.Corruption(r.s.Offset(), "bundle incomplete: %d of %d entries", r.read, r.header.EntryCount)
	}
	if r.declared != r.header.TotalPayloadSize {
		return errs.Corruption(r.s.Offset(), "entry sizes sum to %d, header declares %d", r.declared, r.header.TotalPayloadSize)
	}
	return r.s.ExpectEOF(r.timeout)
}

func (r *Reader) readUvarint() (uint64, error) {
	var raw [binary.MaxVarintLen64]byte
	start := r.s.Offset()
	for i := range raw {
		b, err := r.s.ReadExact(1, r.timeout)
		if err != nil {
			return 0, err
		}
		raw[i] = b[0]
		if b[0] < 0x80 {
			v, n := protowire.ConsumeVarint(raw[:i+1])
			if n < 0 {
				return 0, errs.Corruption(start, "malformed varint: %v", protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, errs.Corruption(start, "varint longer than %d bytes", binary.MaxVarintLen64)
}

// ValidatePath accepts only clean relative slash paths that stay under the root.
func ValidatePath(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("invalid entry path %q", name)
	}
	if path.Clean(name) != name || name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return fmt.Errorf("entry path %q escapes the bundle root", name)
	}
	return nil
}

// Writer produces a bundle container.
type Writer struct {
	w       io.Writer
	header  models.BundleHeader
	written uint64
	entries uint64
}

// NewWriter writes the header immediately.
func NewWriter(w io.Writer, entryCount, totalPayload uint64) (*Writer, error) {
	h := models.BundleHeader{
		Magic:            Magic,
		FormatVersion:    FormatVersion,
		EntryCount:       entryCount,
		TotalPayloadSize: totalPayload,
	}
	buf := append([]byte{}, Magic[:]...)
	buf = append(buf, FormatVersion)
	buf = protowire.AppendVarint(buf, entryCount)
	buf = protowire.AppendVarint(buf, totalPayload)
	if _, err := w.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to write bundle header: %w", err)
	}
	return &Writer{w: w, header: h}, nil
}

// WriteEntry writes one entry header followed by exactly SizeBytes from payload.
func (w *Writer) WriteEntry(entry models.BundleEntry, payload io.Reader) error {
	if err := ValidatePath(entry.Path); err != nil {
		return err
	}
	if len(entry.Path) > MaxPathLen {
		return fmt.Errorf("entry path %q longer than %d bytes", entry.Path, MaxPathLen)
	}
	if w.entries == w.header.EntryCount {
		return fmt.Errorf("bundle already holds %d entries", w.entries)
	}

	buf := protowire.AppendVarint(nil, uint64(len(entry.Path)))
	buf = append(buf, entry.Path...)
	buf = protowire.AppendVarint(buf, entry.SizeBytes)
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("failed to write entry %q: %w", entry.Path, err)
	}

	n, err := io.CopyN(w.w, payload, int64(entry.SizeBytes))
	if err != nil {
		return fmt.Errorf("failed to write payload of %q (%d of %d bytes): %w", entry.Path, n, entry.SizeBytes, err)
	}
	w.entries++
	w.written += entry.SizeBytes
	return nil
}

// Close verifies the declared header matched what was written.
func (w *Writer) Close() error {
	if w.entries != w.header.EntryCount || w.written != w.header.TotalPayloadSize {
		return fmt.Errorf("bundle declares %d entries / %d bytes, wrote %d / %d",
			w.header.EntryCount, w.header.TotalPayloadSize, w.entries, w.written)
	}
	return nil
}

// PackDir writes every regular file under root into a bundle, in lexical order.
func PackDir(out io.Writer, root string, logger zerolog.Logger) (models.BundleHeader, error) {
	var entries []models.BundleEntry
	var total uint64

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, models.BundleEntry{Path: filepath.ToSlash(rel), SizeBytes: uint64(info.Size())})
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return models.BundleHeader{}, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	w, err := NewWriter(out, uint64(len(entries)), total)
	if err != nil {
		return models.BundleHeader{}, err
	}
	for _, e := range entries {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(e.Path)))
		if err != nil {
			return models.BundleHeader{}, fmt.Errorf("failed to open %s: %w", e.Path, err)
		}
		err = w.WriteEntry(e, f)
		f.Close()
		if err != nil {
			return models.BundleHeader{}, err
		}
		logger.Debug().Str("path", e.Path).Uint64("size", e.SizeBytes).Msg("Packed bundle entry")
	}
	if err := w.Close(); err != nil {
		return models.BundleHeader{}, err
	}

	logger.Info().Int("entries", len(entries)).Uint64("bytes", total).Msg("Bundle packed")
	return w.header, nil
}
