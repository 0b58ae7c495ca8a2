package trigger

import (
	"errors"
	"testing"
	"time"

	"graphflow-scheduler/internal/errs"
	"graphflow-scheduler/internal/models"
)

func TestPresetResolvesToCron(t *testing.T) {
	r := NewResolver(time.UTC)

	tr, err := r.Resolve(models.SchedulePreset, "every_hour")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	expr, ok := CronExpr(tr)
	if !ok || expr != "0 * * * *" {
		t.Fatalf("cron expr = %q ok=%v, want \"0 * * * *\"", expr, ok)
	}

	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	next := tr.Next(at)
	want := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestUnknownPresetFails(t *testing.T) {
	r := NewResolver(time.UTC)
	if _, err := r.Resolve(models.SchedulePreset, "every_minute"); !errors.Is(err, errs.ErrInvalidSchedule) {
		t.Fatalf("got %v, want ErrInvalidSchedule", err)
	}
}

func TestCronRejectsMalformed(t *testing.T) {
	r := NewResolver(time.UTC)
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *", "* * * * * *"} {
		if _, err := r.Resolve(models.ScheduleCron, expr); !errors.Is(err, errs.ErrInvalidSchedule) {
			t.Fatalf("expr %q: got %v, want ErrInvalidSchedule", expr, err)
		}
	}
}

func TestCronFiveField(t *testing.T) {
	r := NewResolver(time.UTC)
	tr, err := r.Resolve(models.ScheduleCron, "30 4 * * 1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// 2025-03-01 is a Saturday; next Monday 04:30 is the 3rd.
	next := tr.Next(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2025, 3, 3, 4, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("Next = %s, want %s", next, want)
	}
}

func TestDateTriggerFiresOnce(t *testing.T) {
	r := NewResolver(time.UTC)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, err := r.Resolve(models.ScheduleDate, at.Format(time.RFC3339))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if next := tr.Next(at.Add(-time.Hour)); !next.Equal(at) {
		t.Fatalf("Next before instant = %s, want %s", next, at)
	}
	if next := tr.Next(at); !next.IsZero() {
		t.Fatalf("Next at instant = %s, want zero", next)
	}

	tr.(OneShot).MarkFired()
	if next := tr.Next(at.Add(-time.Hour)); !next.IsZero() {
		t.Fatalf("Next after fire = %s, want zero", next)
	}
}

func TestDateRejectsBadTimestamp(t *testing.T) {
	r := NewResolver(time.UTC)
	if _, err := r.Resolve(models.ScheduleDate, "tomorrow-ish"); !errors.Is(err, errs.ErrInvalidSchedule) {
		t.Fatalf("got %v, want ErrInvalidSchedule", err)
	}
}

func TestAllPresetsParse(t *testing.T) {
	r := NewResolver(time.UTC)
	for name := range Presets {
		if _, err := r.Resolve(models.SchedulePreset, name); err != nil {
			t.Fatalf("preset %s: %v", name, err)
		}
	}
}
