package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	job := Job{Name: "noop", Run: func(context.Context) {}}

	if err := s.Add("not a cron spec", job); err == nil {
		t.Fatal("expected error for invalid spec")
	}
	if err := s.Add("@every 5m", Job{Name: "", Run: func(context.Context) {}}); err == nil {
		t.Fatal("expected error for unnamed job")
	}
	if err := s.Add("@every 5m", Job{Name: "nil-run"}); err == nil {
		t.Fatal("expected error for nil run func")
	}
}

func TestAddAcceptsDescriptorsAndCronSyntax(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	job := Job{Name: "noop", Run: func(context.Context) {}}

	for _, spec := range []string{"@every 30s", "@hourly", "*/5 * * * *", "0 */5 * * * *"} {
		if err := s.Add(spec, job); err != nil {
			t.Fatalf("Add(%q): %v", spec, err)
		}
	}
}

func TestWrapContainsPanic(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	run := s.wrap(Job{Name: "explosive", Run: func(context.Context) {
		panic("boom")
	}})

	// Must not propagate.
	run()
}

func TestSchedulerDispatchesJob(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	var runs atomic.Int64
	err := s.Add("@every 10ms", Job{Name: "counter", Run: func(context.Context) {
		runs.Add(1)
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.Start()
	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-ticker.C:
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type fakeSweeper struct {
	gotIdle time.Duration
	n       int
}

func (f *fakeSweeper) SweepIdle(idleFor time.Duration) int {
	f.gotIdle = idleFor
	return f.n
}

func TestIdleConversationSweepJob(t *testing.T) {
	t.Parallel()

	sweeper := &fakeSweeper{n: 3}
	job := IdleConversationSweep(sweeper, 30*time.Minute, nil)
	if job.Name != "idle_conversation_sweep" {
		t.Fatalf("job name = %q", job.Name)
	}

	job.Run(context.Background())
	if sweeper.gotIdle != 30*time.Minute {
		t.Fatalf("idleFor = %v, want 30m", sweeper.gotIdle)
	}
}

type fakeExpirer struct {
	calls int
}

func (f *fakeExpirer) ExpireStale(context.Context) int {
	f.calls++
	return 0
}

func TestManagedSessionExpiryJob(t *testing.T) {
	t.Parallel()

	expirer := &fakeExpirer{}
	job := ManagedSessionExpiry(expirer)

	job.Run(context.Background())
	job.Run(context.Background())
	if expirer.calls != 2 {
		t.Fatalf("ExpireStale calls = %d, want 2", expirer.calls)
	}
}

type fakePruner struct {
	gotCutoff time.Time
	err       error
}

func (f *fakePruner) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.gotCutoff = cutoff
	return 0, f.err
}

func TestArchiveRetentionJob(t *testing.T) {
	t.Parallel()

	pruner := &fakePruner{}
	retention := 45 * 24 * time.Hour
	job := ArchiveRetention(pruner, retention, nil)

	before := time.Now().UTC().Add(-retention)
	job.Run(context.Background())
	after := time.Now().UTC().Add(-retention)

	if pruner.gotCutoff.Before(before) || pruner.gotCutoff.After(after) {
		t.Fatalf("cutoff %v outside [%v, %v]", pruner.gotCutoff, before, after)
	}
}

func TestArchiveRetentionJobSurvivesPruneError(t *testing.T) {
	t.Parallel()

	pruner := &fakePruner{err: errors.New("db down")}
	job := ArchiveRetention(pruner, 24*time.Hour, nil)

	// Must log and return, not panic.
	job.Run(context.Background())
}
