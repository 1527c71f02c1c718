// Package queue implements a distributed job queue engine on top of a
// single Redis instance: the key schema, the atomic state-transition
// scripts, the worker loop, the stall supervisor, and the pub/sub event
// bus described in spec.md.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobqueue/internal/keys"
	"jobqueue/internal/scripts"
	"jobqueue/internal/telemetry"
)

// Handler executes a job. It receives a context bound to the job's
// timeout (if any) and a Report callback for progress updates. A non-nil
// error causes a retry (if budget remains) or a terminal failure.
type Handler func(ctx context.Context, job *Job, report func(progress int)) (result json.RawMessage, err error)

// Queue is a named handle over a Redis key group that can produce,
// consume, or observe jobs (spec §3). It composes up to three Redis
// connections: a command connection, a blocking-fetch connection (only
// if IsWorker), and a pub/sub subscriber connection (only if GetEvents).
type Queue struct {
	Name     string
	Settings Settings

	// instanceID is a random identifier for this handle, set by New. It
	// is not attached to log lines or metric labels. It has no bearing on
	// job identity (spec invariant I3 requires job ids be assigned by
	// INCR, not random UUIDs).
	instanceID string

	keys keys.Schema

	cmd       *redis.Client
	fetchConn *redis.Client
	sub       *redis.PubSub

	mu        sync.Mutex
	ready     bool
	closed    bool
	processed bool // Process has been called once (spec §4.3 precondition)

	registry map[int64]*Job

	onReady      []func()
	onError      []func(error)
	onSucceeded  []func(job *Job, result json.RawMessage)
	onRetrying   []func(job *Job, err *HandlerError)
	onFailed     []func(job *Job, err *HandlerError)
	onJobSucc    []func(id int64, result json.RawMessage)
	onJobRetry   []func(id int64, err *HandlerError)
	onJobFail    []func(id int64, err *HandlerError)
	onJobProgess []func(id int64, progress int)

	cancelSub     context.CancelFunc
	cancelWorkers context.CancelFunc
	wg            sync.WaitGroup
}

// New constructs a Queue handle. Call Ready before using it.
func New(name string, settings Settings) *Queue {
	return &Queue{
		Name:       name,
		Settings:   settings,
		instanceID: uuid.NewString(),
		keys:       keys.New(settings.Prefix, name),
		registry:   make(map[int64]*Job),
	}
}

// Ready opens the connections this queue's settings call for and
// preloads the atomic scripts on the command connection. Readiness is
// signaled only after all scripts are cached (spec §4.1).
func (q *Queue) Ready(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return newMisuseError("Ready called after Close")
	}
	q.mu.Unlock()

	q.cmd = redis.NewClient(&redis.Options{
		Addr:     q.Settings.Redis.Addr,
		Password: q.Settings.Redis.Password,
		DB:       q.Settings.Redis.DB,
	})
	if err := q.cmd.Ping(ctx).Err(); err != nil {
		return newTransportError("connect", err)
	}
	if err := scripts.Preload(ctx, q.cmd); err != nil {
		return newTransportError("preload scripts", err)
	}

	if q.Settings.IsWorker {
		q.fetchConn = redis.NewClient(&redis.Options{
			Addr:     q.Settings.Redis.Addr,
			Password: q.Settings.Redis.Password,
			DB:       q.Settings.Redis.DB,
		})
		if err := q.fetchConn.Ping(ctx).Err(); err != nil {
			return newTransportError("connect fetch conn", err)
		}
	}

	if q.Settings.GetEvents {
		if err := q.startEventBus(ctx); err != nil {
			return err
		}
	}

	q.mu.Lock()
	q.ready = true
	q.mu.Unlock()
	for _, cb := range q.onReady {
		cb()
	}
	return nil
}

// CreateJob returns a fresh job handle with the given opaque data. Chain
// Retries/Timeout, then call Save (spec §4.2).
func (q *Queue) CreateJob(data any) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, newMisuseError(fmt.Sprintf("data must be JSON-serializable: %v", err))
	}
	return createJob(q, raw), nil
}

// saveJob runs the addJob script and, if GetEvents is enabled, registers
// the handle so inbound pub/sub messages can be routed to it.
func (q *Queue) saveJob(j *Job) error {
	p := payload{Data: j.Data, Options: j.Options}
	encoded, err := p.encode()
	if err != nil {
		return newMisuseError(fmt.Sprintf("job data must be JSON-serializable: %v", err))
	}

	ctx := context.Background()
	id, err := scripts.Add.Run(ctx, q.cmd, []string{q.keys.ID(), q.keys.Jobs(), q.keys.Waiting()}, encoded).Int64()
	if err != nil {
		return newTransportError("addJob", err)
	}

	j.ID = id
	j.Status = StatusWaiting
	telemetry.JobsAdded.Inc()

	if q.Settings.GetEvents {
		q.mu.Lock()
		q.registry[id] = j
		q.mu.Unlock()
	}
	return nil
}

// GetJob fetches a job's current snapshot by id, or (false, nil) if it
// does not exist — including when it was purged by RemoveOnSuccess
// (spec open question (b)).
func (q *Queue) GetJob(ctx context.Context, id int64) (*Job, bool, error) {
	raw, err := q.cmd.HGet(ctx, q.keys.Jobs(), fmt.Sprint(id)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, newTransportError("getJob", err)
	}
	opts, data, err := decodePayload(raw)
	if err != nil {
		return nil, false, err
	}
	status, err := q.statusOf(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return &Job{ID: id, Data: data, Options: opts, Status: status, queue: q}, true, nil
}

func (q *Queue) statusOf(ctx context.Context, id int64) (Status, error) {
	member := fmt.Sprint(id)
	if ok, _ := q.cmd.SIsMember(ctx, q.keys.Succeeded(), member).Result(); ok {
		return StatusSucceeded, nil
	}
	if ok, _ := q.cmd.SIsMember(ctx, q.keys.Failed(), member).Result(); ok {
		return StatusFailed, nil
	}
	// active/waiting membership check is a linear scan (LPOS) used only
	// for diagnostics; the engine itself never branches on it.
	if pos, err := q.cmd.LPos(ctx, q.keys.Active(), member, redis.LPosArgs{}).Result(); err == nil && pos >= 0 {
		return StatusActive, nil
	}
	return StatusWaiting, nil
}

// CheckStalledJobs runs the stall-recovery script once (spec §4.4). It
// may be called ad hoc or on the worker's own periodic timer.
func (q *Queue) CheckStalledJobs(ctx context.Context) (int, error) {
	n, err := scripts.CheckStalled.Run(ctx, q.cmd, []string{q.keys.Stalling(), q.keys.Active(), q.keys.Waiting()}).Int64()
	if err != nil {
		return 0, newTransportError("checkStalledJobs", err)
	}
	if n > 0 {
		telemetry.JobsStalledRecovered.Add(float64(n))
	}
	return int(n), nil
}

// Close awaits in-flight handlers (see worker.go), stops issuing new
// fetches, unsubscribes, and quits all connections. A successful Close is
// idempotent. After Close, Ready and Process fail with MisuseError;
// CreateJob still builds a handle, and calls that reach Redis (Save,
// GetJob, CheckStalledJobs) fail with a TransportError from the closed
// connection.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if q.cancelSub != nil {
		q.cancelSub()
	}
	if q.cancelWorkers != nil {
		q.cancelWorkers()
	}
	q.wg.Wait()

	var firstErr error
	if q.sub != nil {
		if err := q.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if q.fetchConn != nil {
		if err := q.fetchConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if q.cmd != nil {
		if err := q.cmd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return newTransportError("close", firstErr)
	}
	return nil
}

func (q *Queue) emitError(err error) {
	for _, cb := range q.onError {
		cb(err)
	}
}
