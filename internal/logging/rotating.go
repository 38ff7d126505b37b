package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatingWriter appends to dated files, starting a new one each UTC day and
// whenever the current file would exceed maxBytes. Files are named
// <stem>-YYYY-MM-DD[.N].log next to the configured path.
type rotatingWriter struct {
	dir      string
	stem     string
	ext      string
	maxBytes int64
	keepDays int

	mu    sync.Mutex
	day   string
	seq   int
	file  *os.File
	wrote int64
}

// OpenRotating creates the writer and its first file. Passing "-" as path
// discards all output.
func OpenRotating(path string, maxBytes int64, keepDays int) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	w := &rotatingWriter{
		dir:      dir,
		stem:     strings.TrimSuffix(name, ext),
		ext:      ext,
		maxBytes: maxBytes,
		keepDays: keepDays,
	}
	if err := w.roll(time.Now().UTC()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now().UTC()
	if w.file == nil || now.Format("2006-01-02") != w.day || w.wrote+int64(len(p)) > w.maxBytes {
		if err := w.roll(now); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.wrote += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll opens the next file for the given instant, bumping the sequence when
// still inside the same day. Must be called with the lock held.
func (w *rotatingWriter) roll(now time.Time) error {
	today := now.Format("2006-01-02")
	if today == w.day {
		w.seq++
	} else {
		w.day = today
		w.seq = 0
	}
	if w.file != nil {
		w.file.Close()
	}

	name := fmt.Sprintf("%s-%s%s", w.stem, w.day, w.ext)
	if w.seq > 0 {
		name = fmt.Sprintf("%s-%s.%d%s", w.stem, w.day, w.seq, w.ext)
	}
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.wrote = 0
	if st, err := f.Stat(); err == nil {
		w.wrote = st.Size()
	}
	w.prune(now)
	return nil
}

// prune removes rotated files older than keepDays. Failures are ignored;
// losing old logs beats failing a write.
func (w *rotatingWriter) prune(now time.Time) {
	if w.keepDays <= 0 {
		return
	}
	cutoff := now.AddDate(0, 0, -w.keepDays).Format("2006-01-02")
	matches, err := filepath.Glob(filepath.Join(w.dir, w.stem+"-*"+w.ext))
	if err != nil {
		return
	}
	sort.Strings(matches)
	prefix := filepath.Join(w.dir, w.stem+"-")
	for _, path := range matches {
		datePart := strings.TrimPrefix(path, prefix)
		if len(datePart) < len("2006-01-02") {
			continue
		}
		if datePart[:len("2006-01-02")] < cutoff {
			os.Remove(path)
		}
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
