package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"census-climate/pkg/logging"
)

func testLogger(buf *bytes.Buffer) *logging.StructuredLogger {
	logger := logging.NewStructuredLogger("scheduler-test", "test", logging.InfoLevel)
	logger.SetOutput(buf)
	return logger
}

func TestScheduler_RunBoundsJobWithTimeout(t *testing.T) {
	var buf bytes.Buffer
	var hadDeadline bool
	s := New("06:00", time.Minute, func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	}, testLogger(&buf))

	s.run()

	if !hadDeadline {
		t.Error("job context should carry a deadline")
	}
	if !strings.Contains(buf.String(), "[SCHEDULER_COMPLETE]") {
		t.Errorf("log output = %s", buf.String())
	}
}

func TestScheduler_RunLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	s := New("06:00", 0, func(ctx context.Context) error {
		return errors.New("feed unavailable")
	}, testLogger(&buf))

	s.run()

	out := buf.String()
	if !strings.Contains(out, "[SCHEDULER_ERROR]") || !strings.Contains(out, "feed unavailable") {
		t.Errorf("log output = %s", out)
	}
}

func TestScheduler_StartRejectsBadTime(t *testing.T) {
	var buf bytes.Buffer
	s := New("25:99", time.Minute, func(ctx context.Context) error { return nil }, testLogger(&buf))
	defer s.Stop()

	if err := s.Start(); err == nil {
		t.Error("Start() with an invalid time should fail")
	}
}
