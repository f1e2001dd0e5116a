package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender writes entries through tb.Log, which attributes every line to the test that is
// running even when tests run in parallel.
type testAppender struct {
	tb      testing.TB
	encoder zapcore.Encoder
}

// NewTestAppender returns an Appender that logs console encoded lines to tb.
func NewTestAppender(tb testing.TB) Appender {
	cfg := NewLoggerConfig()
	cfg.SkipLineEnding = true
	return &testAppender{tb: tb, encoder: zapcore.NewConsoleEncoder(cfg)}
}

// Write outputs the log entry to the underlying test object `Log` method.
func (tapp *testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	buf, err := tapp.encoder.EncodeEntry(entry, fields)
	if err != nil {
		// keep the message even when a field cannot be encoded
		tapp.tb.Log(entry.Level.CapitalString(), entry.LoggerName, entry.Message)
		return err
	}
	defer buf.Free()
	tapp.tb.Log(buf.String())
	return nil
}

// Sync is a no-op.
func (tapp *testAppender) Sync() error {
	return nil
}
