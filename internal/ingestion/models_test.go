package ingestion

import (
	"errors"
	"strings"
	"testing"
)

func TestTestStatusIsValid(t *testing.T) {
	tests := []struct {
		name   string
		status TestStatus
		want   bool
	}{
		{"passed", TestStatusPassed, true},
		{"failed", TestStatusFailed, true},
		{"skipped", TestStatusSkipped, true},
		{"error", TestStatusError, true},
		{"unknown", TestStatus("BOGUS"), false},
		{"empty", TestStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.IsValid(); got != tt.want {
				t.Errorf("IsValid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTestResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  *TestResult
		wantErr error
	}{
		{
			name: "valid result",
			result: &TestResult{
				TestName: "test_column_not_null",
				JobID:    "job-1",
				Status:   TestStatusPassed,
			},
		},
		{
			name: "empty test name",
			result: &TestResult{
				TestName: "   ",
				JobID:    "job-1",
				Status:   TestStatusPassed,
			},
			wantErr: ErrTestNameEmpty,
		},
		{
			name: "test name too long",
			result: &TestResult{
				TestName: strings.Repeat("a", maxTestNameLength+1),
				JobID:    "job-1",
				Status:   TestStatusPassed,
			},
			wantErr: ErrTestNameTooLong,
		},
		{
			name: "empty job id",
			result: &TestResult{
				TestName: "test_x",
				JobID:    "",
				Status:   TestStatusPassed,
			},
			wantErr: ErrJobIDEmpty,
		},
		{
			name: "invalid status",
			result: &TestResult{
				TestName: "test_x",
				JobID:    "job-1",
				Status:   TestStatus("BOGUS"),
			},
			wantErr: ErrStatusInvalid,
		},
		{
			name: "negative duration",
			result: &TestResult{
				TestName:    "test_x",
				JobID:       "job-1",
				Status:      TestStatusPassed,
				HasDuration: true,
				DurationSec: -1,
			},
			wantErr: ErrDurationNegative,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()

			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestJobRecomputeCounts(t *testing.T) {
	job := &Job{ID: "job-1"}

	results := []*TestResult{
		{Status: TestStatusPassed},
		{Status: TestStatusPassed},
		{Status: TestStatusFailed},
		{Status: TestStatusSkipped},
		{Status: TestStatusError},
	}

	job.RecomputeCounts(results)

	if job.Passed != 2 {
		t.Errorf("expected 2 passed, got %d", job.Passed)
	}
	if job.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", job.Failed)
	}
	if job.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", job.Skipped)
	}
	if job.Error != 1 {
		t.Errorf("expected 1 error, got %d", job.Error)
	}
	if job.Total != 5 {
		t.Errorf("expected total 5, got %d", job.Total)
	}
}

func TestJobRecomputeCountsEmpty(t *testing.T) {
	job := &Job{ID: "job-1", Total: 10, Passed: 10}

	job.RecomputeCounts(nil)

	if job.Total != 0 || job.Passed != 0 {
		t.Errorf("expected all counts reset to 0, got total=%d passed=%d", job.Total, job.Passed)
	}
}
