package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/display-ota/internal/errs"
	"github.com/benmeehan/display-ota/pkg/sysinfo"
)

const (
	progressStep       = 5
	slowReadThreshold  = time.Second
	slowWriteThreshold = 500 * time.Millisecond
	zeroReadBackoff    = 5 * time.Millisecond
)

// Feeder is kicked after every chunk. The watchdog coordinator satisfies it.
type Feeder interface {
	Feed() error
}

// ProgressFunc receives the cumulative byte count and the expected total (-1 if unknown).
type ProgressFunc func(written, expected int64)

// DownloadOptions bound one Download call.
type DownloadOptions struct {
	Limit        int64         // Exact number of bytes to copy; negative copies until EOF
	Expected     int64         // Total used for progress milestones; non-positive means unknown
	ChunkTimeout time.Duration // Deadline for a single read
	StallTimeout time.Duration // Longest tolerated run of reads producing no bytes
	Feeder       Feeder
	Progress     ProgressFunc
	Probe        sysinfo.Probe // Optional free-memory probe checked at progress milestones
	MemoryFloor  uint64        // Abort when free memory drops below this many bytes
}

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

type readResult struct {
	n   int
	err error
}

// FramedStream owns one underlying connection and one fixed buffer. Header
// reads and payload streaming both go through it so they share a single read
// offset and timeout discipline. A stream that timed out or failed is poisoned:
// every later call returns the same error.
type FramedStream struct {
	r      io.Reader
	buf    []byte
	offset int64
	err    error
	logger zerolog.Logger
	now    func() time.Time
}

// New wraps r with a buffer of bufSize bytes. The buffer is the only memory the
// stream ever uses for payload, regardless of any size the server declares.
func New(r io.Reader, bufSize int, logger zerolog.Logger) *FramedStream {
	if bufSize <= 0 {
		bufSize = 2048
	}
	return &FramedStream{
		r:      r,
		buf:    make([]byte, bufSize),
		logger: logger,
		now:    time.Now,
	}
}

// Offset returns the number of bytes consumed from the connection so far.
func (s *FramedStream) Offset() int64 {
	return s.offset
}

// BufferSize returns the fixed chunk capacity.
func (s *FramedStream) BufferSize() int {
	return len(s.buf)
}

// Err returns the error that poisoned the stream, if any.
func (s *FramedStream) Err() error {
	return s.err
}

// ReadExact reads exactly n bytes within timeout. The returned slice aliases the
// stream buffer and is valid until the next call.
func (s *FramedStream) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if n > len(s.buf) {
		return nil, fmt.Errorf("read of %d bytes exceeds stream buffer of %d", n, len(s.buf))
	}

	deadline := s.now().Add(timeout)
	got := 0
	for got < n {
		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return nil, s.poison(errs.ShortRead(s.offset, "timed out reading %d bytes (got %d)", n, got))
		}

		m, err := s.read(s.buf[got:n], remaining)
		got += m
		s.offset += int64(m)

		if err == nil {
			if m == 0 {
				time.Sleep(zeroReadBackoff)
			}
			continue
		}
		if got == n && errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errs.ErrTimeout) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, s.poison(errs.ShortRead(s.offset, "wanted %d bytes, got %d: %v", n, got, err))
		}
		return nil, s.poison(errs.Network("read", err))
	}
	return s.buf[:n], nil
}

// Download copies from the connection into sink in chunks no larger than the
// stream buffer, feeding the watchdog after each chunk. Cancellation through
// ctx is honoured between chunks only.
func (s *FramedStream) Download(ctx context.Context, sink io.Writer, opts DownloadOptions) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}

	var written int64
	lastProgress := s.now()
	lastMilestone := -1

	for opts.Limit < 0 || written < opts.Limit {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("download cancelled at offset %d: %w", s.offset, err)
		}

		chunk := s.buf
		if opts.Limit >= 0 && opts.Limit-written < int64(len(chunk)) {
			chunk = chunk[:opts.Limit-written]
		}

		timeout := opts.ChunkTimeout
		if opts.StallTimeout > 0 {
			left := opts.StallTimeout - s.now().Sub(lastProgress)
			if left <= 0 {
				return written, s.poison(errs.Timeout("no data for %s at offset %d", opts.StallTimeout, s.offset))
			}
			if timeout <= 0 || left < timeout {
				timeout = left
			}
		}

		readStart := s.now()
		n, err := s.read(chunk, timeout)
		if elapsed := s.now().Sub(readStart); elapsed > slowReadThreshold {
			s.logger.Warn().Dur("elapsed", elapsed).Int("bytes", n).Msg("Slow read")
		}

		if n > 0 {
			writeStart := s.now()
			nw, werr := sink.Write(chunk[:n])
			if elapsed := s.now().Sub(writeStart); elapsed > slowWriteThreshold {
				s.logger.Warn().Dur("elapsed", elapsed).Int("bytes", nw).Msg("Slow write")
			}
			written += int64(nw)
			s.offset += int64(n)
			if werr != nil {
				return written, fmt.Errorf("write failed at offset %d: %w", s.offset, werr)
			}
			if nw != n {
				return written, fmt.Errorf("write failed at offset %d: wrote %d of %d bytes: %w", s.offset, nw, n, io.ErrShortWrite)
			}
			lastProgress = s.now()

			if opts.Feeder != nil {
				if ferr := opts.Feeder.Feed(); ferr != nil {
					s.logger.Warn().Err(ferr).Msg("Failed to feed watchdog")
				}
			}

			if milestone, ok := s.milestone(written, opts.Expected, lastMilestone); ok {
				lastMilestone = milestone
				if opts.Progress != nil {
					opts.Progress(written, opts.Expected)
				}
				if err := s.checkMemory(opts); err != nil {
					return written, err
				}
			}
		}

		switch {
		case err == nil:
			if n == 0 {
				time.Sleep(zeroReadBackoff)
			}
		case errors.Is(err, io.EOF):
			if opts.Limit >= 0 && written < opts.Limit {
				return written, s.poison(errs.ShortRead(s.offset, "stream ended after %d of %d bytes", written, opts.Limit))
			}
			return written, nil
		case errors.Is(err, errs.ErrTimeout):
			return written, s.poison(fmt.Errorf("%w after %d bytes", err, written))
		default:
			return written, s.poison(errs.Network("read", err))
		}
	}
	return written, nil
}

// ExpectEOF succeeds only if the connection has no further data.
func (s *FramedStream) ExpectEOF(timeout time.Duration) error {
	if s.err != nil {
		return s.err
	}
	n, err := s.read(s.buf[:1], timeout)
	if n > 0 {
		s.offset += int64(n)
		return s.poison(errs.Corruption(s.offset-1, "unexpected trailing data"))
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	if errors.Is(err, errs.ErrTimeout) {
		return s.poison(err)
	}
	return s.poison(errs.Network("read", err))
}

// milestone reports every progressStep percent when the size is known and on
// every chunk otherwise.
func (s *FramedStream) milestone(written, expected int64, last int) (int, bool) {
	if expected <= 0 {
		return last + 1, true
	}
	percent := int(written * 100 / expected)
	if percent/progressStep > last/progressStep || last < 0 {
		return percent, true
	}
	return last, false
}

func (s *FramedStream) checkMemory(opts DownloadOptions) error {
	if opts.Probe == nil || opts.MemoryFloor == 0 {
		return nil
	}
	free, err := opts.Probe.FreeMemory()
	if err != nil {
		s.logger.Debug().Err(err).Msg("Free memory probe failed")
		return nil
	}
	if free < opts.MemoryFloor {
		s.logger.Error().Uint64("free_memory", free).Uint64("floor", opts.MemoryFloor).Msg("Free memory too low, aborting")
		return errs.InsufficientSpace("free memory %d below floor %d at offset %d", free, opts.MemoryFloor, s.offset)
	}
	return nil
}

func (s *FramedStream) poison(err error) error {
	s.err = err
	return err
}

// read performs one Read bounded by timeout. Connections with deadline support
// use it directly; other readers are read from a helper goroutine, and a read
// that outlives the timeout leaves the stream poisoned until the caller closes
// the underlying connection.
func (s *FramedStream) read(p []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return s.r.Read(p)
	}

	if dr, ok := s.r.(deadlineReader); ok {
		if err := dr.SetReadDeadline(s.now().Add(timeout)); err == nil {
			n, err := s.r.Read(p)
			if err != nil && isTimeout(err) {
				return n, errs.Timeout("read exceeded %s", timeout)
			}
			return n, err
		}
	}

	done := make(chan readResult, 1)
	go func() {
		n, err := s.r.Read(p)
		done <- readResult{n: n, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.n, res.err
	case <-timer.C:
		return 0, errs.Timeout("read exceeded %s", timeout)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
