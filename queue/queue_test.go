package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, name string, configure func(*Settings)) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	settings := DefaultSettings()
	settings.Redis.Addr = mr.Addr()
	settings.StallInterval = time.Hour
	if configure != nil {
		configure(&settings)
	}

	q := New(name, settings)
	ctx := context.Background()
	if err := q.Ready(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}
	t.Cleanup(func() { q.Close(context.Background()) })
	return q, mr
}

func TestCreateJobAndSaveAssignsID(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	job, err := q.CreateJob(map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job.Retries(3).Timeout(500)

	if err := job.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if job.ID == 0 {
		t.Fatalf("expected non-zero id")
	}
	if job.Status != StatusWaiting {
		t.Fatalf("expected waiting status, got %s", job.Status)
	}

	fetched, ok, err := q.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !ok {
		t.Fatalf("expected job to be found")
	}
	if fetched.Options.Retries != 3 || fetched.Options.TimeoutMS != 500 {
		t.Fatalf("unexpected options round-trip: %+v", fetched.Options)
	}
}

func TestCreateJobRejectsUnserializableData(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	_, err := q.CreateJob(make(chan int))
	if err == nil {
		t.Fatalf("expected error for unserializable data")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Fatalf("expected *MisuseError, got %T", err)
	}
}

func TestGetJobMissingReturnsFalse(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	_, ok, err := q.GetJob(context.Background(), 999)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if ok {
		t.Fatalf("expected job 999 to be absent")
	}
}

func TestProcessRunsOnceAndRejectsSecondCall(t *testing.T) {
	q, _ := newTestQueue(t, "q1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Process(ctx, 1, func(ctx context.Context, job *Job, report func(int)) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	}()

	// Give the fetch loop a moment to start before asserting misuse.
	time.Sleep(20 * time.Millisecond)
	if err := q.Process(ctx, 1, func(context.Context, *Job, func(int)) (json.RawMessage, error) {
		return nil, nil
	}); err == nil {
		t.Fatalf("expected error calling Process twice")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatalf("Process did not return after cancel")
	}
}

func TestProcessOnNonWorkerQueueFails(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	err := q.Process(context.Background(), 1, func(context.Context, *Job, func(int)) (json.RawMessage, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected misuse error")
	}
	if _, ok := err.(*MisuseError); !ok {
		t.Fatalf("expected *MisuseError, got %T", err)
	}
}

func TestEndToEndSuccessDispatchesCallbacks(t *testing.T) {
	q, _ := newTestQueue(t, "q1", nil)

	job, err := q.CreateJob(map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := job.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	succeeded := make(chan json.RawMessage, 1)
	job.OnSucceeded(func(result json.RawMessage) { succeeded <- result })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx, 1, func(ctx context.Context, job *Job, report func(int)) (json.RawMessage, error) {
		report(50)
		return json.Marshal(map[string]int{"doubled": 2})
	})

	select {
	case result := <-succeeded:
		var out map[string]int
		if err := json.Unmarshal(result, &out); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if out["doubled"] != 2 {
			t.Fatalf("unexpected result: %v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for success callback")
	}
}

func TestEndToEndFailureWithNoRetriesDispatchesOnFailed(t *testing.T) {
	q, _ := newTestQueue(t, "q1", nil)

	job, err := q.CreateJob(map[string]any{})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := job.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	failed := make(chan *HandlerError, 1)
	job.OnFailed(func(err *HandlerError) { failed <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx, 1, func(ctx context.Context, job *Job, report func(int)) (json.RawMessage, error) {
		return nil, newMisuseError("boom")
	})

	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("expected non-nil handler error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for failed callback")
	}
}

func TestCheckStalledJobsRecoversActiveJobs(t *testing.T) {
	q, mr := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	job, _ := q.CreateJob(map[string]any{})
	if err := job.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Simulate a worker having moved the job into active without ever
	// finishing it.
	seed := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer seed.Close()
	if err := seed.LPush(context.Background(), q.keys.Active(), "1").Err(); err != nil {
		t.Fatalf("seed active: %v", err)
	}
	if err := seed.SAdd(context.Background(), q.keys.Stalling(), "1").Err(); err != nil {
		t.Fatalf("seed stalling: %v", err)
	}

	n, err := q.CheckStalledJobs(context.Background())
	if err != nil {
		t.Fatalf("check stalled: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered job, got %d", n)
	}

	status, err := q.statusOf(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusWaiting {
		t.Fatalf("expected waiting status after recovery, got %s", status)
	}
}

func TestHeartbeatPreventsFalseStallDuringLongHandler(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.StallInterval = 30 * time.Millisecond })

	job, err := q.CreateJob(map[string]any{})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := job.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Process(ctx, 1, func(ctx context.Context, job *Job, report func(int)) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("handler never started")
	}

	// Let several stall intervals elapse, and run the supervisor's check
	// directly, while the handler is still running.
	time.Sleep(150 * time.Millisecond)
	if _, err := q.CheckStalledJobs(context.Background()); err != nil {
		t.Fatalf("check stalled: %v", err)
	}

	status, err := q.statusOf(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusActive {
		t.Fatalf("expected job to remain active while its handler is still running, got %s", status)
	}

	close(release)
}

func TestCloseIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, "q1", func(s *Settings) { s.IsWorker = false })

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}
