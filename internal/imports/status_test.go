package imports

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func int64Ptr(v int64) *int64 { return &v }

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reporter := NewReporter(store)

	fileID := uuid.New()
	store.imports[fileID] = Import{ID: uuid.New(), FileID: fileID, Status: StatusStage3}

	status, err := reporter.GetStatus(ctx, fileID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != StatusStage3 {
		t.Errorf("status = %s, want %s", status, StatusStage3)
	}

	status, err = reporter.GetStatus(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetStatus for unknown file: %v", err)
	}
	if status != StatusNotFound {
		t.Errorf("status = %s, want %s", status, StatusNotFound)
	}
}

func TestGetImportView_NotFound(t *testing.T) {
	reporter := NewReporter(newFakeStore())

	_, err := reporter.GetImportView(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetImportView(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		imp         Import
		wantOverall int
		wantStage   int
	}{
		{
			name:        "queued reports zero",
			imp:         Import{Status: StatusQueued},
			wantOverall: 0,
			wantStage:   0,
		},
		{
			name:        "archive extraction reports zero",
			imp:         Import{Status: StatusProcessingArchiveFile},
			wantOverall: 0,
			wantStage:   0,
		},
		{
			name:        "first stage halfway",
			imp:         Import{Status: StatusStage1, StagePercentageComplete: 50},
			wantOverall: 12,
			wantStage:   50,
		},
		{
			name:        "third stage halfway",
			imp:         Import{Status: StatusStage3, StagePercentageComplete: 50},
			wantOverall: 62,
			wantStage:   50,
		},
		{
			name:        "last stage done",
			imp:         Import{Status: StatusStage4, StagePercentageComplete: 100},
			wantOverall: 100,
			wantStage:   100,
		},
		{
			name:        "complete always reports 100",
			imp:         Import{Status: StatusComplete},
			wantOverall: 100,
			wantStage:   0,
		},
		{
			name:        "failed reports zero overall",
			imp:         Import{Status: StatusFailed, StagePercentageComplete: 70},
			wantOverall: 0,
			wantStage:   70,
		},
		{
			name:        "out of range stage percentage is clamped",
			imp:         Import{Status: StatusStage2, StagePercentageComplete: 150},
			wantOverall: 50,
			wantStage:   150,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			reporter := NewReporter(store)

			fileID := uuid.New()
			imp := tc.imp
			imp.FileID = fileID
			store.imports[fileID] = imp

			view, err := reporter.GetImportView(ctx, fileID)
			if err != nil {
				t.Fatalf("GetImportView: %v", err)
			}
			if view.PercentageComplete != tc.wantOverall {
				t.Errorf("percentageComplete = %d, want %d", view.PercentageComplete, tc.wantOverall)
			}
			if view.StagePercentageComplete != tc.wantStage {
				t.Errorf("stagePercentageComplete = %d, want %d", view.StagePercentageComplete, tc.wantStage)
			}
			if view.Status != tc.imp.Status {
				t.Errorf("status = %s, want %s", view.Status, tc.imp.Status)
			}
			if view.Errors == nil {
				t.Error("errors not normalized to empty slice")
			}
		})
	}
}

func TestGetImportView_CarriesRowsAndErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reporter := NewReporter(store)

	fileID := uuid.New()
	store.imports[fileID] = Import{
		FileID: fileID,
		Status: StatusFailed,
		Rows:   int64Ptr(1200),
		Errors: []string{"row 7: unexpected field count"},
	}

	view, err := reporter.GetImportView(ctx, fileID)
	if err != nil {
		t.Fatalf("GetImportView: %v", err)
	}
	if view.Rows == nil || *view.Rows != 1200 {
		t.Errorf("rows = %v, want 1200", view.Rows)
	}
	if len(view.Errors) != 1 || view.Errors[0] != "row 7: unexpected field count" {
		t.Errorf("errors = %v", view.Errors)
	}
}

func TestOverallPercentageIsMonotonic(t *testing.T) {
	last := -1
	for _, stage := range processingStages {
		for pct := 0; pct <= 100; pct += 25 {
			got := overallPercentage(Import{Status: stage, StagePercentageComplete: pct})
			if got < last {
				t.Fatalf("progress regressed at %s/%d%%: %d < %d", stage, pct, got, last)
			}
			last = got
		}
	}
	if got := overallPercentage(Import{Status: StatusComplete}); got < last || got != 100 {
		t.Fatalf("complete = %d, want 100 and >= %d", got, last)
	}
}
