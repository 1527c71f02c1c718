package queue

import (
	"context"
	"encoding/json"

	"jobqueue/internal/telemetry"
)

// Event names published on the events channel (spec §4.5, §6).
const (
	EventProgress  = "progress"
	EventSucceeded = "succeeded"
	EventRetrying  = "retrying"
	EventFailed    = "failed"
)

// message is the wire shape published to the events channel (spec §6:
// "{event, id, data}").
type message struct {
	Event string          `json:"event"`
	ID    int64           `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func encodeMessage(event string, id int64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(message{Event: event, ID: id, Data: raw})
}

// publish sends an event if SendEvents is enabled (spec §4.5: "Workers
// with sendEvents publish JSON messages to events").
func (q *Queue) publish(ctx context.Context, event string, id int64, data any) error {
	if !q.Settings.SendEvents {
		return nil
	}
	raw, err := encodeMessage(event, id, data)
	if err != nil {
		return err
	}
	return q.cmd.Publish(ctx, q.keys.Events(), raw).Err()
}

// startEventBus opens the dedicated subscriber connection and begins
// routing inbound messages (spec §4.5, §5 "Connections per queue").
func (q *Queue) startEventBus(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	q.cancelSub = cancel

	q.sub = q.cmd.Subscribe(subCtx, q.keys.Events())
	if _, err := q.sub.Receive(subCtx); err != nil {
		cancel()
		return newTransportError("subscribe", err)
	}

	q.wg.Add(1)
	go q.consumeEvents(subCtx)
	return nil
}

func (q *Queue) consumeEvents(ctx context.Context) {
	defer q.wg.Done()
	ch := q.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			q.handleMessage(msg.Payload)
		}
	}
}

// handleMessage implements spec §4.5's two-step fan-out: a queue-level
// "job <event>" emission for every message, then routing to the
// originating Job handle (if one is registered) for its own event.
func (q *Queue) handleMessage(payloadJSON string) {
	var m message
	if err := json.Unmarshal([]byte(payloadJSON), &m); err != nil {
		return
	}

	switch m.Event {
	case EventProgress:
		var n int
		_ = json.Unmarshal(m.Data, &n)
		for _, cb := range q.onJobProgess {
			cb(m.ID, n)
		}
		telemetry.JobProgressEvents.Inc()
	case EventSucceeded:
		for _, cb := range q.onJobSucc {
			cb(m.ID, m.Data)
		}
	case EventRetrying, EventFailed:
		var ee eventError
		_ = json.Unmarshal(m.Data, &ee)
		he := &HandlerError{Msg: ee.Message, Stack: ee.Stack}
		if m.Event == EventRetrying {
			for _, cb := range q.onJobRetry {
				cb(m.ID, he)
			}
		} else {
			for _, cb := range q.onJobFail {
				cb(m.ID, he)
			}
		}
	}

	q.mu.Lock()
	job, found := q.registry[m.ID]
	if found && (m.Event == EventSucceeded || m.Event == EventFailed) {
		delete(q.registry, m.ID)
	}
	q.mu.Unlock()

	if !found {
		return
	}

	switch m.Event {
	case EventProgress:
		var n int
		_ = json.Unmarshal(m.Data, &n)
		job.Progress = n
		if job.onProgress != nil {
			job.onProgress(n)
		}
	case EventSucceeded:
		if job.onSucceeded != nil {
			job.onSucceeded(m.Data)
		}
	case EventRetrying, EventFailed:
		var ee eventError
		_ = json.Unmarshal(m.Data, &ee)
		he := &HandlerError{Msg: ee.Message, Stack: ee.Stack}
		if m.Event == EventRetrying && job.onRetrying != nil {
			job.onRetrying(he)
		} else if m.Event == EventFailed && job.onFailed != nil {
			job.onFailed(he)
		}
	}
}

// --- Job-level event registration (spec §6 "Job handle surface") ---

// OnProgress registers the callback fired when this job's handler
// reports progress (valid only when GetEvents is enabled on the owning
// queue).
func (j *Job) OnProgress(cb func(progress int)) *Job {
	j.onProgress = cb
	return j
}

// OnSucceeded registers the callback fired once, with the handler's
// result, when this job terminates successfully.
func (j *Job) OnSucceeded(cb func(result json.RawMessage)) *Job {
	j.onSucceeded = cb
	return j
}

// OnRetrying registers the callback fired zero or more times, strictly
// before any terminal event, each time this job is retried.
func (j *Job) OnRetrying(cb func(err *HandlerError)) *Job {
	j.onRetrying = cb
	return j
}

// OnFailed registers the callback fired once when this job terminates
// with no retries remaining.
func (j *Job) OnFailed(cb func(err *HandlerError)) *Job {
	j.onFailed = cb
	return j
}

// --- Queue-level event registration (spec §6 "Queue handle surface") ---

// OnReady registers a callback fired once Ready completes successfully.
func (q *Queue) OnReady(cb func()) *Queue { q.onReady = append(q.onReady, cb); return q }

// OnError registers a callback fired for errors the worker loop and the
// stall supervisor run into: failed fetches, failed finishJob or
// checkStalled scripts, and job payloads that cannot be read or decoded.
// Errors from calls that return an error (Ready, Save, GetJob, an ad hoc
// CheckStalledJobs) go to the caller instead, and failures to publish
// events are not reported.
func (q *Queue) OnError(cb func(err error)) *Queue { q.onError = append(q.onError, cb); return q }

// OnSucceeded registers a callback fired on THIS queue instance whenever
// it (as a worker) completes a job successfully.
func (q *Queue) OnSucceeded(cb func(job *Job, result json.RawMessage)) *Queue {
	q.onSucceeded = append(q.onSucceeded, cb)
	return q
}

// OnRetrying registers a callback fired on THIS queue instance whenever
// it (as a worker) retries a job.
func (q *Queue) OnRetrying(cb func(job *Job, err *HandlerError)) *Queue {
	q.onRetrying = append(q.onRetrying, cb)
	return q
}

// OnFailed registers a callback fired on THIS queue instance whenever it
// (as a worker) terminally fails a job.
func (q *Queue) OnFailed(cb func(job *Job, err *HandlerError)) *Queue {
	q.onFailed = append(q.onFailed, cb)
	return q
}

// OnJobSucceeded registers a callback fired for any job succeeded event
// observed on the events channel, regardless of who processed it.
func (q *Queue) OnJobSucceeded(cb func(id int64, result json.RawMessage)) *Queue {
	q.onJobSucc = append(q.onJobSucc, cb)
	return q
}

// OnJobRetrying registers a callback fired for any job retrying event
// observed on the events channel.
func (q *Queue) OnJobRetrying(cb func(id int64, err *HandlerError)) *Queue {
	q.onJobRetry = append(q.onJobRetry, cb)
	return q
}

// OnJobFailed registers a callback fired for any job failed event
// observed on the events channel.
func (q *Queue) OnJobFailed(cb func(id int64, err *HandlerError)) *Queue {
	q.onJobFail = append(q.onJobFail, cb)
	return q
}

// OnJobProgress registers a callback fired for any job progress event
// observed on the events channel.
func (q *Queue) OnJobProgress(cb func(id int64, progress int)) *Queue {
	q.onJobProgess = append(q.onJobProgess, cb)
	return q
}
