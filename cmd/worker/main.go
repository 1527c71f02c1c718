// Command worker runs a job queue consumer against a single named queue,
// processing jobs with the demonstration image-resize handler and
// exposing /healthz and /metrics, adapted from the teacher's
// cmd/worker/main.go.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"jobqueue/examples/imagehandler"
	"jobqueue/internal/opshttp"
	"jobqueue/queue"
)

func main() {
	settings := queue.LoadSettingsFromEnv()
	settings.IsWorker = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	queueName := os.Getenv("QUEUE_NAME")
	if queueName == "" {
		queueName = "images"
	}

	q := queue.New(queueName, settings)
	if err := q.Ready(ctx); err != nil {
		log.Fatalf("queue not ready: %v", err)
	}
	defer q.Close(context.Background())

	q.OnError(func(err error) { log.Printf("queue error: %v", err) })

	handler := imagehandler.New(imagehandler.Config{DefaultWidth: 320})

	go func() {
		addr := os.Getenv("METRICS_ADDR")
		if addr == "" {
			addr = ":9090"
		}
		if err := http.ListenAndServe(addr, opshttp.Router()); err != nil {
			log.Printf("ops http server stopped: %v", err)
		}
	}()

	log.Printf("worker started queue=%s stall_interval=%s", queueName, settings.StallInterval)
	if err := q.Process(ctx, 4, func(ctx context.Context, job *queue.Job, report func(int)) (json.RawMessage, error) {
		return handler.Handle(ctx, job, report)
	}); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
