// Package keys builds the Redis key names that make up a queue's schema.
package keys

import "fmt"

// Schema holds the fixed set of Redis keys for one (prefix, name) queue,
// per spec §6: P:Q:id, P:Q:jobs, P:Q:waiting, P:Q:active, P:Q:stalling,
// P:Q:succeeded, P:Q:failed, P:Q:events.
type Schema struct {
	prefix string
	name   string
}

// New builds the key schema for a queue with the given prefix and name.
func New(prefix, name string) Schema {
	return Schema{prefix: prefix, name: name}
}

func (s Schema) base() string {
	return fmt.Sprintf("%s:%s", s.prefix, s.name)
}

// ID is the job id counter key, INCR'd on save.
func (s Schema) ID() string { return s.base() + ":id" }

// Jobs is the hash of id -> encoded job payload.
func (s Schema) Jobs() string { return s.base() + ":jobs" }

// Waiting is the list of ids awaiting fetch.
func (s Schema) Waiting() string { return s.base() + ":waiting" }

// Active is the list of ids currently being processed.
func (s Schema) Active() string { return s.base() + ":active" }

// Stalling is the set of ids expected to heartbeat this interval.
func (s Schema) Stalling() string { return s.base() + ":stalling" }

// Succeeded is the set of ids of completed jobs.
func (s Schema) Succeeded() string { return s.base() + ":succeeded" }

// Failed is the set of ids of terminally failed jobs.
func (s Schema) Failed() string { return s.base() + ":failed" }

// Events is the pub/sub channel carrying lifecycle messages.
func (s Schema) Events() string { return s.base() + ":events" }
