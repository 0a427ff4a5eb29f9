// Package logging wraps charmbracelet/log with the per-component logger
// convention used across corerelay: one named logger per subsystem,
// printf-style messages, no fmt.Println.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Backend owns the destination writer and default level for every logger
// derived from it, mirroring core/log2's role in Katzenpost.
type Backend struct {
	out    io.Writer
	level  log.Level
	prefix string
}

// New constructs a Backend writing to w at the given level. An empty level
// string defaults to "info".
func New(w io.Writer, level string) (*Backend, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return &Backend{out: w, level: lvl}, nil
}

// ParseLevel parses a level name, defaulting to Info on empty input.
func ParseLevel(l string) (log.Level, error) {
	if l == "" {
		return log.InfoLevel, nil
	}
	return log.ParseLevel(l)
}

// GetLogger returns a logger scoped to component name, following the
// "Backend.GetLogger(name)" convention Katzenpost's core/log package
// exposes.
func (b *Backend) GetLogger(name string) *log.Logger {
	l := log.NewWithOptions(b.out, log.Options{
		Prefix:          name,
		ReportTimestamp: true,
	})
	l.SetLevel(b.level)
	return l
}
