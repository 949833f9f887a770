// Package logsink manages the per-instance rolling log files the
// supervisor captures a game-server child's stdout/stderr into: bounded
// retention by file count, line-wise UTC timestamp prefixing, and tail
// reads bounded to 2MiB.
package logsink

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	maxRetainedFiles = 10
	maxTailBytes     = 2 * 1024 * 1024
	truncatedPrefix  = "[Truncated...]\n"
)

// Sink manages the log directory for a single port.
type Sink struct {
	dir string
}

// New returns a Sink for <base>/logs/<port>.
func New(logsRoot string, port int) *Sink {
	return &Sink{dir: filepath.Join(logsRoot, fmt.Sprintf("%d", port))}
}

// Dir returns the directory this sink manages.
func (s *Sink) Dir() string {
	return s.dir
}

// fileTimestamp formats "now" the way log file names require: ISO-8601 UTC
// with ':' and '.' replaced by '-', so the name is filesystem-safe.
func fileTimestamp(t time.Time) string {
	ts := t.UTC().Format(time.RFC3339Nano)
	ts = strings.ReplaceAll(ts, ":", "-")
	ts = strings.ReplaceAll(ts, ".", "-")
	return ts
}

// Rotate lists *.log files under the sink directory sorted by mtime
// descending and deletes every entry beyond the newest maxRetainedFiles-1,
// so that after a rotation at most maxRetainedFiles-1 old files remain
// (leaving room for the file about to be opened).
func (s *Sink) Rotate() error {
	entries, err := logFilesByMTimeDesc(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("logsink: rotate %s: %w", s.dir, err)
	}
	if len(entries) < maxRetainedFiles {
		return nil
	}
	for _, e := range entries[maxRetainedFiles-1:] {
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return fmt.Errorf("logsink: remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

func logFilesByMTimeDesc(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var infos []os.FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ModTime().After(infos[j].ModTime())
	})
	return infos, nil
}

// OpenNewFile rotates the directory (if needed) and creates a new log file
// named by the current UTC timestamp.
func (s *Sink) OpenNewFile() (*os.File, error) {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("logsink: mkdir %s: %w", s.dir, err)
	}
	if err := s.Rotate(); err != nil {
		return nil, err
	}
	name := fileTimestamp(time.Now()) + ".log"
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logsink: create %s: %w", name, err)
	}
	return f, nil
}

// TimestampWriter wraps an underlying writer, buffering bytes until a
// newline is seen and prepending "[<ISO-8601 UTC>] " to each complete
// line as it is flushed through. It does not assume write calls align
// with line boundaries. Close flushes any buffered partial line as one
// final timestamped line.
type TimestampWriter struct {
	w       io.Writer
	buf     bytes.Buffer
	nowFunc func() time.Time
}

// NewTimestampWriter wraps w.
func NewTimestampWriter(w io.Writer) *TimestampWriter {
	return &TimestampWriter{w: w, nowFunc: time.Now}
}

func (t *TimestampWriter) Write(p []byte) (int, error) {
	t.buf.Write(p)
	for {
		data := t.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx+1]
		if err := t.writeLine(line); err != nil {
			return len(p), err
		}
		t.buf.Next(idx + 1)
	}
	return len(p), nil
}

func (t *TimestampWriter) writeLine(line []byte) error {
	prefix := fmt.Sprintf("[%s] ", t.nowFunc().UTC().Format(time.RFC3339))
	_, err := t.w.Write(append([]byte(prefix), line...))
	return err
}

// Close flushes any buffered partial line (with no trailing newline
// required) as one final timestamped line.
func (t *TimestampWriter) Close() error {
	if t.buf.Len() == 0 {
		return nil
	}
	remainder := t.buf.Bytes()
	if remainder[len(remainder)-1] != '\n' {
		remainder = append(append([]byte{}, remainder...), '\n')
	}
	t.buf.Reset()
	return t.writeLine(remainder)
}

// TailResult is the result of a tail read.
type TailResult struct {
	Name  string
	Size  int64
	Lines []byte
}

// Tail returns the last <=2MiB of the index-th most recent log file under
// the sink directory (index 0 is the newest). If the file's full size
// exceeds 2MiB, the returned bytes are prefixed with "[Truncated...]\n".
func (s *Sink) Tail(index int) (*TailResult, error) {
	entries, err := logFilesByMTimeDesc(s.dir)
	if err != nil {
		return nil, fmt.Errorf("logsink: list %s: %w", s.dir, err)
	}
	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("logsink: index %d out of range (have %d logs): %w", index, len(entries), os.ErrNotExist)
	}
	info := entries[index]
	path := filepath.Join(s.dir, info.Name())

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	defer f.Close()

	size := info.Size()
	truncated := size > maxTailBytes
	start := int64(0)
	if truncated {
		start = size - maxTailBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("logsink: seek %s: %w", path, err)
	}

	r := bufio.NewReader(f)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("logsink: read %s: %w", path, err)
	}

	if truncated {
		data = append([]byte(truncatedPrefix), data...)
	}

	return &TailResult{Name: info.Name(), Size: size, Lines: data}, nil
}
