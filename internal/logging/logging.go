// Package logging builds the process loggers: bracketed-prefix log.Logger
// instances writing to stdout and, when configured, a size/day rotating file.
package logging

import (
	"io"
	"log"
	"os"
)

// Setup holds the shared sink behind every component logger.
type Setup struct {
	sink   io.Writer
	closer io.Closer
}

// New creates the logging setup. filePath may be empty (stdout only) or name
// the logical log file handed to the rotating writer. maxBytes bounds a
// single file; keepDays prunes older files, 0 keeps everything.
func New(filePath string, maxBytes int64, keepDays int) (*Setup, error) {
	if filePath == "" {
		return &Setup{sink: os.Stdout}, nil
	}
	rw, err := OpenRotating(filePath, maxBytes, keepDays)
	if err != nil {
		return nil, err
	}
	return &Setup{sink: io.MultiWriter(os.Stdout, rw), closer: rw}, nil
}

// Logger returns a logger with the conventional bracketed prefix, e.g.
// "[pipeline] ".
func (s *Setup) Logger(component string) *log.Logger {
	return log.New(s.sink, "["+component+"] ", log.LstdFlags|log.LUTC)
}

// Close flushes and closes the file sink, if any.
func (s *Setup) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
