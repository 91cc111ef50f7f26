package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuildDefaults(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	assert.Equal(t, "test error", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.Equal(t, CodeInternal, ee.Code())
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	inner := NotFoundError("session", "abc")
	outer := New(fmt.Errorf("load session: %w", inner)).Component("search").Build()

	assert.Equal(t, CategoryNotFound, outer.Category)
	assert.True(t, IsCategory(outer, CategoryNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(outer))
}

func TestTaxonomyCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"validation", ValidationError("bad k"), CodeValidation},
		{"not found", NotFoundError("batch", 7), CodeNotFound},
		{"conflict", ConflictError("already running"), CodeConflict},
		{"compute", ComputeError(fmt.Errorf("nan loss"), "training"), CodeCompute},
		{"cancelled", CancelledError("cancelled by user"), CodeCancelled},
		{"training category", Newf("fit failed").Category(CategoryTraining).Build(), CodeCompute},
		{"plain error", fmt.Errorf("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestReporterOnlyReceivesFaults(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	_ = ValidationError("caller mistake")
	_ = ConflictError("busy")
	ee := ComputeError(fmt.Errorf("scoring failed"), "inference")

	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
}

func TestContextIsCopied(t *testing.T) {
	ee := New(fmt.Errorf("x")).Context("session_id", "s1").Build()

	ctx := ee.GetContext()
	ctx["session_id"] = "mutated"

	assert.Equal(t, "s1", ee.GetContext()["session_id"])
}

func TestBasicURLScrub(t *testing.T) {
	scrubbed := basicURLScrub("fetch https://example.org/export?token=abc failed password=hunter2")
	assert.NotContains(t, scrubbed, "token=abc")
	assert.NotContains(t, scrubbed, "hunter2")
	assert.Contains(t, scrubbed, "https://example.org/export?[REDACTED]")
}
