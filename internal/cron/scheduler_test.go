package cron

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestValidateCronExpr(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"all wildcards", "* * * * *", false},
		{"minute step", "*/30 * * * *", false},
		{"range with step", "0-30/5 * * * *", false},
		{"comma list", "0,15,30,45 * * * *", false},
		{"full spec", "30 9 1-15 1,6 1-5", false},
		{"too few fields", "* * * *", true},
		{"too many fields", "* * * * * *", true},
		{"minute out of bounds", "60 * * * *", true},
		{"hour out of bounds", "* 24 * * *", true},
		{"dow out of bounds", "* * * * 7", true},
		{"wrap-around range", "* 22-2 * * *", true},
		{"zero step", "*/0 * * * *", true},
		{"garbage", "every tuesday", true},
		{"empty list entry", "1,,2 * * * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCronExpr(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCronExpr(%q) = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestNextCronRun_MinuteStep(t *testing.T) {
	s := NewScheduler(t.TempDir(), nil)
	at := time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC)

	next, ok := s.nextCronRun("*/30 * * * *", at)
	if !ok {
		t.Fatal("no next run computed")
	}
	want := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// After firing at 10:30 the subsequent run is 11:00.
	next2, ok := s.nextCronRun("*/30 * * * *", want)
	if !ok {
		t.Fatal("no second run computed")
	}
	want2 := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	if !next2.Equal(want2) {
		t.Errorf("next after fire = %v, want %v", next2, want2)
	}
}

func TestNextCronRun_DayFieldsIntersect(t *testing.T) {
	s := NewScheduler(t.TempDir(), nil)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Both day fields restricted: fires only when both match. The first
	// Friday the 13th after 2024-01-01 is in September.
	next, ok := s.nextCronRun("0 0 13 * 5", at)
	if !ok {
		t.Fatal("no next run computed")
	}
	want := time.Date(2024, 9, 13, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// A single restricted day field matches on its own. 2024-01-01 is a
	// Monday, so the next Monday midnight strictly after it is Jan 8.
	next, ok = s.nextCronRun("0 0 * * 1", at)
	if !ok {
		t.Fatal("no next run computed for dow-only expression")
	}
	want = time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("dow-only next = %v, want %v", next, want)
	}

	next, ok = s.nextCronRun("0 0 13 * *", at)
	if !ok {
		t.Fatal("no next run computed for dom-only expression")
	}
	want = time.Date(2024, 1, 13, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("dom-only next = %v, want %v", next, want)
	}
}

func TestExpandCronField(t *testing.T) {
	tests := []struct {
		field  string
		lo, hi int
		want   []int
		absent []int
	}{
		{"*", 0, 6, []int{0, 1, 2, 3, 4, 5, 6}, nil},
		{"13", 1, 31, []int{13}, []int{12, 14}},
		{"1-5", 0, 6, []int{1, 2, 3, 4, 5}, []int{0, 6}},
		{"*/15", 0, 59, []int{0, 15, 30, 45}, []int{14, 59}},
		{"10-20/5", 0, 59, []int{10, 15, 20}, []int{12, 25}},
		{"1,3,5", 0, 6, []int{1, 3, 5}, []int{0, 2, 4, 6}},
		{"50/3", 0, 59, []int{50, 53, 56, 59}, []int{49, 51}},
	}
	for _, tt := range tests {
		set := expandCronField(tt.field, tt.lo, tt.hi)
		for _, v := range tt.want {
			if !set[v] {
				t.Errorf("expandCronField(%q): %d missing", tt.field, v)
			}
		}
		for _, v := range tt.absent {
			if set[v] {
				t.Errorf("expandCronField(%q): %d unexpectedly present", tt.field, v)
			}
		}
	}
}

func TestAddJob_Validation(t *testing.T) {
	s := NewScheduler(t.TempDir(), nil)

	if _, err := s.AddJob(JobSpec{Name: "", Schedule: Every(time.Minute)}); err == nil {
		t.Error("nameless job accepted")
	}
	if _, err := s.AddJob(JobSpec{Name: "bad", Schedule: Schedule{Type: TypeInterval, EveryMs: 0}}); err == nil {
		t.Error("zero interval accepted")
	}
	if _, err := s.AddJob(JobSpec{Name: "bad", Schedule: Schedule{Type: TypeOnce}}); err == nil {
		t.Error("once without instant accepted")
	}
}

func TestOnce_RequiresAbsoluteInstant(t *testing.T) {
	if _, err := Once("2024-01-15T10:00:00Z"); err != nil {
		t.Errorf("RFC 3339 instant rejected: %v", err)
	}
	if _, err := Once("2024-01-15 10:00"); err == nil {
		t.Error("timezone-less local string accepted")
	}
}

func TestAddJob_InvalidCronStillPersists(t *testing.T) {
	s := NewScheduler(t.TempDir(), nil)
	job, err := s.AddJob(JobSpec{Name: "broken", Schedule: Expr("61 * * * *")})
	if err != nil {
		t.Fatalf("invalid cron should persist, got %v", err)
	}
	if job.NextRun != nil {
		t.Error("invalid expression must leave nextRun unset")
	}
	if got, ok := s.FindJobByName("broken"); !ok || got.ID != job.ID {
		t.Error("job not stored")
	}
}

func TestTick_OncePastDue(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	s := NewScheduler(t.TempDir(), func(job Job) {
		mu.Lock()
		fired = append(fired, job.Name)
		mu.Unlock()
	})

	job, err := s.AddJob(JobSpec{Name: "past-due", Prompt: "do it", Schedule: OnceAt(time.Now().Add(-time.Second))})
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "past-due" {
		t.Fatalf("fired = %v, want [past-due]", fired)
	}
	got, _ := s.GetJob(job.ID)
	if got.Enabled {
		t.Error("once job still enabled after firing")
	}
	if got.NextRun != nil {
		t.Error("once job still has a nextRun after firing")
	}
	if got.RunCount != 1 {
		t.Errorf("runCount = %d, want 1", got.RunCount)
	}
}

func TestTick_IntervalRecomputes(t *testing.T) {
	s := NewScheduler(t.TempDir(), func(Job) {})
	job, err := s.AddJob(JobSpec{Name: "every-min", Schedule: Every(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}

	fireAt := time.Now().Add(2 * time.Minute)
	s.Tick(fireAt)

	got, _ := s.GetJob(job.ID)
	if got.LastRun == nil || !got.LastRun.Equal(fireAt) {
		t.Errorf("lastRun = %v, want %v", got.LastRun, fireAt)
	}
	if got.NextRun == nil || !got.NextRun.Equal(fireAt.Add(time.Minute)) {
		t.Errorf("nextRun = %v, want %v", got.NextRun, fireAt.Add(time.Minute))
	}
	if !got.Enabled {
		t.Error("interval job disabled after firing")
	}
}

func TestTick_SkipsDisabled(t *testing.T) {
	fired := 0
	s := NewScheduler(t.TempDir(), func(Job) { fired++ })
	job, _ := s.AddJob(JobSpec{Name: "paused", Schedule: OnceAt(time.Now().Add(-time.Second))})
	s.DisableJob(job.ID)

	s.Tick(time.Now())
	if fired != 0 {
		t.Errorf("disabled job fired %d times", fired)
	}
}

func TestTick_TriggerPanicContained(t *testing.T) {
	s := NewScheduler(t.TempDir(), func(Job) { panic("boom") })
	s.AddJob(JobSpec{Name: "a", Schedule: OnceAt(time.Now().Add(-time.Second))})
	s.AddJob(JobSpec{Name: "b", Schedule: OnceAt(time.Now().Add(-time.Second))})

	// Must not propagate; both jobs still transition.
	s.Tick(time.Now())
	for _, j := range s.ListJobs() {
		if j.Enabled {
			t.Errorf("job %s still enabled after panicking trigger", j.Name)
		}
	}
}

func TestScheduler_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(dir, nil)
	j1, _ := s.AddJob(JobSpec{Name: "daily", Prompt: "report", Schedule: Expr("0 9 * * *")})
	j2, _ := s.AddJob(JobSpec{Name: "often", Schedule: Every(30 * time.Second)})

	reloaded := NewScheduler(dir, nil)
	jobs := reloaded.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("reloaded %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != j1.ID || jobs[1].ID != j2.ID {
		t.Error("job ids not preserved")
	}
	if jobs[0].Schedule.Expression != "0 9 * * *" {
		t.Error("cron expression not preserved")
	}
	if jobs[1].Schedule.EveryMs != 30000 {
		t.Error("interval not preserved")
	}
}

func TestScheduler_CorruptJobsFile(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(dir, nil)
	s.AddJob(JobSpec{Name: "x", Schedule: Every(time.Minute)})

	// Clobber the file and reload: empty list, no panic.
	if err := os.WriteFile(filepath.Join(dir, "jobs.json"), []byte("{{{"), 0o644); err != nil {
		t.Fatal(err)
	}
	reloaded := NewScheduler(dir, nil)
	if got := len(reloaded.ListJobs()); got != 0 {
		t.Errorf("loaded %d jobs from corrupt file, want 0", got)
	}
}

func TestEnableJob_RecomputesNextRun(t *testing.T) {
	s := NewScheduler(t.TempDir(), nil)
	job, _ := s.AddJob(JobSpec{Name: "cron", Schedule: Expr("*/15 * * * *")})
	s.DisableJob(job.ID)
	if !s.EnableJob(job.ID) {
		t.Fatal("enable failed")
	}
	got, _ := s.GetJob(job.ID)
	if !got.Enabled || got.NextRun == nil {
		t.Errorf("enabled=%v nextRun=%v after re-enable", got.Enabled, got.NextRun)
	}
	if !got.NextRun.After(time.Now().Add(-time.Minute)) {
		t.Errorf("nextRun %v is in the past", got.NextRun)
	}
}
