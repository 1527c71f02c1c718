// Command producer enqueues a single job from a JSON payload given on the
// command line and, if GetEvents is enabled, waits for its terminal event
// before exiting. Adapted from the teacher's cmd/api enqueue path, but
// without the admin HTTP surface — producing jobs is a library operation
// here, not a management API (spec.md Non-goals).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	"jobqueue/queue"
)

func main() {
	queueName := flag.String("queue", "images", "queue name")
	retries := flag.Int("retries", 0, "retry budget")
	timeoutMS := flag.Int("timeout", 0, "handler timeout in milliseconds (0 = unlimited)")
	flag.Parse()

	var data map[string]any
	if flag.NArg() > 0 {
		if err := json.Unmarshal([]byte(flag.Arg(0)), &data); err != nil {
			log.Fatalf("payload must be JSON: %v", err)
		}
	} else {
		data = map[string]any{}
	}

	settings := queue.LoadSettingsFromEnv()
	settings.IsWorker = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q := queue.New(*queueName, settings)
	if err := q.Ready(ctx); err != nil {
		log.Fatalf("queue not ready: %v", err)
	}
	defer q.Close(context.Background())

	job, err := q.CreateJob(data)
	if err != nil {
		log.Fatalf("create job: %v", err)
	}
	job.Retries(*retries)
	if *timeoutMS > 0 {
		job.Timeout(*timeoutMS)
	}

	done := make(chan struct{})
	job.OnSucceeded(func(result json.RawMessage) {
		log.Printf("job %d succeeded: %s", job.ID, result)
		close(done)
	})
	job.OnFailed(func(err *queue.HandlerError) {
		log.Printf("job %d failed: %v", job.ID, err)
		close(done)
	})
	job.OnRetrying(func(err *queue.HandlerError) {
		log.Printf("job %d retrying after error: %v", job.ID, err)
	})

	if err := job.Save(); err != nil {
		log.Fatalf("save job: %v", err)
	}
	log.Printf("enqueued job %d on queue %q", job.ID, *queueName)

	if !settings.GetEvents {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("timed out waiting for job %d to finish", job.ID)
	}
}
