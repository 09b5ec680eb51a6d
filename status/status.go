// Package status is the progress/logging collaborator threaded through the
// reconcilers. The default implementation reports through slog; CLI frontends
// can substitute their own to render progress bars.
package status

import (
	"log/slog"
	"sync/atomic"
)

// Status receives human-oriented progress from long-running operations.
// Implementations must be safe for concurrent use.
type Status interface {
	Log(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)

	// Add grows the expected work counter for the current stage.
	Add(n int)
	// Done marks n units of work complete.
	Done(n int)
	// SetStages declares how many stages the operation has.
	SetStages(n int)
	// DoneStage marks the current stage finished.
	DoneStage()
}

// Logger adapts a slog.Logger to Status. Progress calls keep counters that
// are surfaced at Debug level.
type Logger struct {
	l      *slog.Logger
	total  atomic.Int64
	done   atomic.Int64
	stages atomic.Int64
	stage  atomic.Int64
}

// NewLogger wraps l. A nil l uses slog.Default.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{l: l}
}

func (s *Logger) Log(msg string, args ...any)   { s.l.Info(msg, args...) }
func (s *Logger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *Logger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }

func (s *Logger) Add(n int) { s.total.Add(int64(n)) }

func (s *Logger) Done(n int) {
	done := s.done.Add(int64(n))
	s.l.Debug("progress", slog.Int64("done", done), slog.Int64("total", s.total.Load()))
}

func (s *Logger) SetStages(n int) { s.stages.Store(int64(n)); s.stage.Store(0) }

func (s *Logger) DoneStage() {
	stage := s.stage.Add(1)
	s.l.Debug("stage complete", slog.Int64("stage", stage), slog.Int64("stages", s.stages.Load()))
	s.total.Store(0)
	s.done.Store(0)
}

// Discard is a Status that drops everything. Useful in tests.
type Discard struct{}

func (Discard) Log(string, ...any)   {}
func (Discard) Warn(string, ...any)  {}
func (Discard) Debug(string, ...any) {}
func (Discard) Add(int)              {}
func (Discard) Done(int)             {}
func (Discard) SetStages(int)        {}
func (Discard) DoneStage()           {}
