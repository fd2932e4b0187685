package export

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"

	json "github.com/goccy/go-json"

	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// Sink is an append-only JSONL output sink. It is opened once per
// coordinator in append mode, so a resumed run adds to the prior output
// instead of overwriting it. Writes are serialized internally; records land
// in completion order.
type Sink struct {
	path string
	file *os.File
	gz   *gzip.Writer
	buf  *bufio.Writer
	w    io.Writer

	bytesWritten int64
	records      int64

	mu sync.Mutex
}

// OpenSink opens (or creates) the output file in append mode. When
// compressed is set, records are written through a gzip stream; each run
// appends its own gzip member, which decompresses as one concatenated
// stream.
func OpenSink(path string, compressed bool) (*Sink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644) //nolint:gosec
	if err != nil {
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite,
			"failed to open output sink").WithDetail("path", path)
	}

	s := &Sink{
		path: path,
		file: file,
		buf:  bufio.NewWriter(file),
	}
	s.w = s.buf

	if compressed {
		s.gz = gzip.NewWriter(s.buf)
		s.w = s.gz
	}

	return s, nil
}

// WriteRecord appends one serialized record followed by a newline.
func (s *Sink) WriteRecord(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to serialize record")
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.w.Write(data)
	s.bytesWritten += int64(n)
	metrics.BytesWritten.Add(float64(n))
	if err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite,
			"failed to append record").WithDetail("path", s.path)
	}

	s.records++
	return nil
}

// BytesWritten returns the number of bytes appended so far in this run.
func (s *Sink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesWritten
}

// Records returns the number of records appended so far in this run.
func (s *Sink) Records() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records
}

// Path returns the sink's file path
func (s *Sink) Path() string {
	return s.path
}

// Close flushes buffered data and syncs the file, guaranteeing durability of
// everything written before close.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to flush gzip stream")
		}
	}
	if err := s.buf.Flush(); err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to flush sink buffer")
	}
	if err := s.file.Sync(); err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to sync sink")
	}
	if err := s.file.Close(); err != nil {
		return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to close sink")
	}
	return nil
}
