// Package diag reports failed operations to operators.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"strconv"
)

// Reporter receives every failure an operation returns. Reporting is a side
// channel: the operation still returns the error to its caller.
type Reporter interface {
	Report(ctx context.Context, op string, err error)
}

// LogReporter writes failures to a slog.Logger at error level.
type LogReporter struct {
	logger   *slog.Logger
	location func(error) string
}

// NewLogReporter creates a LogReporter. location extracts a recorded failure
// location from an error; when it is nil or finds nothing, the caller of
// Report is used instead.
func NewLogReporter(logger *slog.Logger, location func(error) string) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger, location: location}
}

// Report logs op, the failing location and the message of err.
func (r *LogReporter) Report(ctx context.Context, op string, err error) {
	if err == nil {
		return
	}
	loc := ""
	if r.location != nil {
		loc = r.location(err)
	}
	if loc == "" {
		loc = callerLocation(2)
	}
	r.logger.ErrorContext(ctx, "operation failed",
		"op", op,
		"location", loc,
		"error", err,
		"cause", rootCause(err),
	)
}

// Nop discards reports.
type Nop struct{}

func (Nop) Report(context.Context, string, error) {}

// Recorder keeps reports in memory. Tests use it to assert what was reported.
type Recorder struct {
	Reports []Report
}

// Report is one recorded failure.
type Report struct {
	Op  string
	Err error
}

func (r *Recorder) Report(_ context.Context, op string, err error) {
	if err == nil {
		return
	}
	r.Reports = append(r.Reports, Report{Op: op, Err: err})
}

// Ops returns the recorded operation names in order.
func (r *Recorder) Ops() []string {
	ops := make([]string, len(r.Reports))
	for i, rep := range r.Reports {
		ops[i] = rep.Op
	}
	return ops
}

func rootCause(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return file + ":" + strconv.Itoa(line)
}
