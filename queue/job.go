package queue

import (
	"encoding/json"
	"fmt"
)

// Status is the derived lifecycle state of a job — which set or list it
// currently resides in (spec §3, "status (derived from which set/list it
// resides in)").
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Options carries the per-job runtime knobs from spec §3: a non-negative
// retry budget and an optional timeout in milliseconds.
type Options struct {
	Retries int `json:"retries"`
	// TimeoutMS is 0 when unset, meaning unlimited (spec: "absent means
	// unlimited").
	TimeoutMS int `json:"timeout,omitempty"`
}

// payload is the on-the-wire shape of a job's `jobs` hash entry:
// {data, options:{retries,timeout}} (spec §6 schema table).
type payload struct {
	Data    json.RawMessage `json:"data"`
	Options Options         `json:"options"`
}

// Job is an in-process handle over one unit of work. A Job created by
// CreateJob is mutable via its chainable setters until Save is called;
// a Job returned by GetJob or delivered to a Handler is a read-only
// snapshot.
type Job struct {
	ID      int64
	Data    json.RawMessage
	Options Options
	// Progress is the last value reported by the currently executing
	// handler; meaningful only during execution (spec §3).
	Progress int
	Status   Status

	queue *Queue

	onProgress  func(progress int)
	onSucceeded func(result json.RawMessage)
	onRetrying  func(err *HandlerError)
	onFailed    func(err *HandlerError)
}

// createJob returns a fresh in-memory job handle with defaulted options
// (retries=0, no timeout), per spec §4.2.
func createJob(q *Queue, data json.RawMessage) *Job {
	return &Job{
		Data:    data,
		Options: Options{Retries: 0},
		queue:   q,
	}
}

// Retries chainably sets the retry budget. Valid only before Save.
func (j *Job) Retries(n int) *Job {
	j.Options.Retries = n
	return j
}

// Timeout chainably sets a handler timeout in milliseconds. Valid only
// before Save.
func (j *Job) Timeout(ms int) *Job {
	j.Options.TimeoutMS = ms
	return j
}

// Save assigns this job's id via addJob and persists it into the waiting
// list. On connection or script failure, Save fails with a TransportError
// and the job is guaranteed not to have been enqueued (spec §4.2).
func (j *Job) Save() error {
	return j.queue.saveJob(j)
}

func (j payload) encode() ([]byte, error) {
	return json.Marshal(j)
}

func decodePayload(raw string) (Options, json.RawMessage, error) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Options{}, nil, fmt.Errorf("decode job payload: %w", err)
	}
	return p.Options, p.Data, nil
}
