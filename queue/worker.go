package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobqueue/internal/scripts"
	"jobqueue/internal/telemetry"
)

// Process starts the worker loop (spec §4.3). Preconditions: Settings.IsWorker
// is true and Process has not been called before on this Queue; otherwise it
// fails synchronously with a MisuseError.
func (q *Queue) Process(ctx context.Context, concurrency int, handler Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return newMisuseError("Process called after Close")
	}
	if !q.Settings.IsWorker {
		q.mu.Unlock()
		return newMisuseError("Process called on a non-worker queue (Settings.IsWorker is false)")
	}
	if q.processed {
		q.mu.Unlock()
		return newMisuseError("Process called more than once on the same Queue")
	}
	q.processed = true
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancelWorkers = cancel
	q.mu.Unlock()
	defer cancel()
	ctx = workerCtx

	if concurrency < 1 {
		concurrency = 1
	}

	q.wg.Add(1)
	go q.runStallSupervisor(ctx)

	sem := make(chan struct{}, concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		id, err := q.fetchConn.BRPopLPush(ctx, q.keys.Waiting(), q.keys.Active(), 0).Result()
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			if err == redis.Nil {
				continue
			}
			q.emitError(newTransportError("fetch", err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		q.wg.Add(1)
		go func(idStr string) {
			defer q.wg.Done()
			defer func() { <-sem }()
			q.dispatch(ctx, idStr, handler)
		}(id)
	}
}

// dispatch decodes and runs a single fetched job, then resolves its
// disposition.
func (q *Queue) dispatch(ctx context.Context, idStr string, handler Handler) {
	var id int64
	if _, err := fmt.Sscan(idStr, &id); err != nil {
		return
	}

	raw, err := q.cmd.HGet(ctx, q.keys.Jobs(), idStr).Result()
	if err != nil {
		if err != redis.Nil {
			// Leave the id in active; the stall supervisor re-enqueues it.
			q.emitError(newTransportError("read job payload", err))
			return
		}
		// The jobs hash entry is gone (e.g. lost race with a purge);
		// drop it from active so it does not linger forever.
		_ = q.cmd.LRem(ctx, q.keys.Active(), 0, idStr).Err()
		return
	}
	opts, data, err := decodePayload(raw)
	if err != nil {
		q.emitError(err)
		return
	}

	job := &Job{ID: id, Data: data, Options: opts, Status: StatusActive, queue: q}
	telemetry.JobsActive.Inc()
	defer telemetry.JobsActive.Dec()

	heartbeatDone := make(chan struct{})
	go q.heartbeat(idStr, heartbeatDone)
	result, handlerErr := q.runHandler(ctx, job, handler)
	close(heartbeatDone)
	if handlerErr == nil {
		q.resolveSuccess(ctx, job, result)
		return
	}
	if job.Options.Retries > 0 {
		q.resolveRetry(ctx, job, handlerErr)
	} else {
		q.resolveFailure(ctx, job, handlerErr)
	}
}

type handlerOutcome struct {
	result json.RawMessage
	err    error
}

// runHandler invokes the user handler and resolves the first of {handler
// reports done, timeout fires} into a single terminal outcome (spec §4.3
// step 3-4, §9 "single terminal resolution per job").
func (q *Queue) runHandler(ctx context.Context, job *Job, handler Handler) (json.RawMessage, error) {
	handlerCtx := ctx
	var cancel context.CancelFunc
	if job.Options.TimeoutMS > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, time.Duration(job.Options.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	report := func(progress int) {
		job.Progress = progress
		_ = q.publish(context.Background(), EventProgress, job.ID, progress)
	}

	outcomeCh := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if q.Settings.CatchExceptions {
					outcomeCh <- handlerOutcome{err: &HandlerError{Msg: fmt.Sprintf("panic: %v", r)}}
					return
				}
				panic(r)
			}
		}()
		result, err := handler(handlerCtx, job, report)
		outcomeCh <- handlerOutcome{result: result, err: err}
	}()

	if job.Options.TimeoutMS <= 0 {
		out := <-outcomeCh
		return out.result, out.err
	}

	select {
	case out := <-outcomeCh:
		return out.result, out.err
	case <-handlerCtx.Done():
		return nil, timeoutError(job.Options.TimeoutMS)
	}
}

func (q *Queue) resolveSuccess(ctx context.Context, job *Job, result json.RawMessage) {
	removeFlag := "0"
	if q.Settings.RemoveOnSuccess {
		removeFlag = "1"
	}
	keys := []string{q.keys.Active(), q.keys.Stalling(), q.keys.Succeeded(), q.keys.Failed(), q.keys.Waiting(), q.keys.Jobs()}
	if _, err := scripts.Finish.Run(ctx, q.cmd, keys, job.ID, scripts.OutcomeSucceeded, "", removeFlag).Result(); err != nil {
		q.emitError(newTransportError("finishJob(succeeded)", err))
		return
	}
	job.Status = StatusSucceeded
	telemetry.JobsSucceeded.Inc()
	for _, cb := range q.onSucceeded {
		cb(job, result)
	}
	_ = q.publish(ctx, EventSucceeded, job.ID, result)
}

func (q *Queue) resolveRetry(ctx context.Context, job *Job, handlerErr error) {
	he := handlerErrorFrom(handlerErr)
	job.Options.Retries--
	newPayload, err := (payload{Data: job.Data, Options: job.Options}).encode()
	if err != nil {
		q.emitError(err)
		return
	}
	keys := []string{q.keys.Active(), q.keys.Stalling(), q.keys.Succeeded(), q.keys.Failed(), q.keys.Waiting(), q.keys.Jobs()}
	if _, err := scripts.Finish.Run(ctx, q.cmd, keys, job.ID, scripts.OutcomeRetry, string(newPayload), "0").Result(); err != nil {
		q.emitError(newTransportError("finishJob(retry)", err))
		return
	}
	job.Status = StatusWaiting
	telemetry.JobsRetried.Inc()
	for _, cb := range q.onRetrying {
		cb(job, he)
	}
	_ = q.publish(ctx, EventRetrying, job.ID, he.toEventError())
}

func (q *Queue) resolveFailure(ctx context.Context, job *Job, handlerErr error) {
	he := handlerErrorFrom(handlerErr)
	keys := []string{q.keys.Active(), q.keys.Stalling(), q.keys.Succeeded(), q.keys.Failed(), q.keys.Waiting(), q.keys.Jobs()}
	if _, err := scripts.Finish.Run(ctx, q.cmd, keys, job.ID, scripts.OutcomeFailed, "", "0").Result(); err != nil {
		q.emitError(newTransportError("finishJob(failed)", err))
		return
	}
	job.Status = StatusFailed
	telemetry.JobsFailed.Inc()
	for _, cb := range q.onFailed {
		cb(job, he)
	}
	_ = q.publish(ctx, EventFailed, job.ID, he.toEventError())
}

// heartbeat SREMs idStr from the stalling set roughly once per
// StallInterval for as long as the job's handler is still running
// (spec §4.4: "the worker must SREM its id from stalling exactly once
// per interval"). Without this, a handler that outlives one stall window
// is falsely recovered by CheckStalled while still executing, letting a
// second worker claim and run the same job id concurrently. It uses a
// background context so an in-flight heartbeat is never cut short by the
// job's own handler timeout.
func (q *Queue) heartbeat(idStr string, done <-chan struct{}) {
	ticker := time.NewTicker(q.Settings.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = q.cmd.SRem(context.Background(), q.keys.Stalling(), idStr).Err()
		}
	}
}

// runStallSupervisor calls CheckStalledJobs once per StallInterval until
// ctx is cancelled (spec §4.4: "each worker is expected to call it every
// stallInterval ms").
func (q *Queue) runStallSupervisor(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.Settings.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.CheckStalledJobs(ctx); err != nil {
				q.emitError(err)
			}
		}
	}
}
