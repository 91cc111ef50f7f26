package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLoggerWritesFields(t *testing.T) {
	buf := &bytes.Buffer{}
	cl := NewWriterLogger(buf, LogLevelDebug)

	log := cl.Module("sampler")
	log.Info("iteration completed",
		String("session_id", "s-1"),
		Int("boundary", 12),
		Float64("midpoint", 0.50004),
		Duration("elapsed", 1500*time.Millisecond),
		Error(errors.New("partial")))

	out := buf.String()
	assert.Contains(t, out, "iteration completed")
	assert.Contains(t, out, "module=sampler")
	assert.Contains(t, out, "session_id=s-1")
	assert.Contains(t, out, "boundary=12")
	assert.Contains(t, out, "midpoint=0.5")
	assert.Contains(t, out, "elapsed=1.5s")
	assert.Contains(t, out, "error=partial")
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWriterLogger(buf, LogLevelWarn).Module("jobs")

	log.Debug("hidden")
	log.Info("hidden too")
	log.Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestSubModuleAndWith(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewWriterLogger(buf, LogLevelInfo).Module("inference")

	child := base.Module("chunk").With(String("batch_id", "7"))
	child.Info("chunk written")
	base.Info("parent record")

	out := buf.String()
	assert.Contains(t, out, "module=inference.chunk")
	assert.Contains(t, out, "batch_id=7")
	// fields added to children never leak into the parent
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.NotContains(t, string(lines[1]), "batch_id")
}

func TestWithContextTraceID(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWriterLogger(buf, LogLevelInfo).Module("api")

	ctx := WithTraceID(context.Background(), "req-42")
	log.WithContext(ctx).Info("handled")

	assert.Contains(t, buf.String(), "trace_id=req-42")
}

func TestNewCentralLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "search.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"datastore": "error"},
	})
	require.NoError(t, err)

	cl.Module("training").Info("model trained", String("model_id", "m1"))
	cl.Module("datastore").Info("suppressed")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"model trained"`)
	assert.Contains(t, string(data), `"model_id":"m1"`)
	assert.NotContains(t, string(data), "suppressed")
}

func TestNewCentralLoggerRejectsBadTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, traceLevelValue, parseLogLevel("trace"))
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestGormAdapterTraceCarriesTraceID(t *testing.T) {
	buf := &bytes.Buffer{}
	base := NewWriterLogger(buf, LogLevelTrace).Module("datastore")
	adapter := NewGormLoggerAdapter(base, 50*time.Millisecond)

	ctx := WithTraceID(context.Background(), "req-7")
	sql := func() (string, int64) { return "SELECT 1", 1 }

	adapter.Trace(ctx, time.Now(), sql, nil)
	adapter.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	adapter.Trace(ctx, time.Now(), sql, context.Canceled)
	adapter.Trace(ctx, time.Now(), sql, errors.New("no such table"))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 4)
	assert.Contains(t, string(lines[0]), "sql query")
	assert.Contains(t, string(lines[1]), "slow query")
	assert.Contains(t, string(lines[2]), "query interrupted")
	assert.Contains(t, string(lines[3]), "query error")
	for _, l := range lines {
		assert.Contains(t, string(l), "trace_id=req-7")
	}
}
