// cmd/demo wires a complete, runnable pipeline on the in-process memory
// broker: an "asker" worker is fired once at startup and again on a
// one-minute cron tick, each time calling get_answer_from("answerer",
// ...) and logging the round trip; an "answerer" worker replies to each
// request. It demonstrates the mediator's full registration, startup,
// RPC-correlation, and graceful-shutdown sequence end to end.
//
// Entry-point shape (config-source priority, signal-driven graceful
// shutdown, shutdown-timeout select) grounded on cmd/orchestrator/
// main.go, mined before it was deleted as out of scope (see DESIGN.md).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/definition"
	"github.com/relaymesh/relaymesh/internal/broker/logbroker"
	"github.com/relaymesh/relaymesh/internal/broker/memory"
	"github.com/relaymesh/relaymesh/internal/configdoc"
	"github.com/relaymesh/relaymesh/public/mediator"
	"github.com/relaymesh/relaymesh/public/worker"
)

func main() {
	configFlag := flag.String("config", "", "path to an optional config document (brokers/messages/workers/cron/waitings)")
	flag.Parse()

	logger := log.New(os.Stdout, "[demo] ", log.LstdFlags)

	resolver := &configdoc.Resolver{Name: "demo", ConfigFlag: configFlag}
	if path := resolver.Resolve(); path != "" {
		logger.Printf("config document found at %s (not required — this demo wires definitions programmatically)", path)
	}

	m := mediator.New("errors", "errors.dropped", logger)

	memBroker := memory.New()
	if err := m.RegisterBroker(definition.Broker{
		Name:   "mem",
		Driver: definition.DriverMemory,
		Codec:  definition.Codec{ContentType: "application/json", Compression: "none"},
	}, memBroker); err != nil {
		logger.Fatalf("register mem broker: %v", err)
	}

	errBroker := logbroker.New(logger)
	if err := m.RegisterBroker(definition.Broker{
		Name:   "errors",
		Driver: definition.DriverLog,
	}, errBroker); err != nil {
		logger.Fatalf("register errors broker: %v", err)
	}

	if err := m.RegisterMessage(definition.Message{Name: "tick"}); err != nil {
		logger.Fatalf("register tick message: %v", err)
	}
	if err := m.RegisterMessage(definition.Message{
		Name: "question",
		Validate: func(payload json.RawMessage) error {
			var body struct {
				X int `json:"x"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return fmt.Errorf("question payload must decode to {x: int}: %w", err)
			}
			return nil
		},
	}); err != nil {
		logger.Fatalf("register question message: %v", err)
	}

	if err := m.RegisterWorker(definition.Worker{
		Name:          "asker",
		InputMessage:  "tick",
		Broker:        "mem",
		Topic:         "asker.in",
		Prefetch:      1,
		AnswerTopic:   "asker.answers",
		RPCDeadlineMS: 2000,
		MaxRetries:    1,
	}, askerHandler); err != nil {
		logger.Fatalf("register asker worker: %v", err)
	}

	if err := m.RegisterWorker(definition.Worker{
		Name:         "answerer",
		InputMessage: "question",
		Broker:       "mem",
		Topic:        "answerer.in",
		Prefetch:     1,
		MaxRetries:   1,
	}, answererHandler); err != nil {
		logger.Fatalf("register answerer worker: %v", err)
	}

	if err := m.RegisterCronTask(definition.CronTask{
		Name:       "heartbeat",
		Worker:     "asker",
		Expression: "* * * * *",
	}); err != nil {
		logger.Fatalf("register heartbeat cron task: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		logger.Fatalf("mediator start: %v", err)
	}
	logger.Printf("mediator started: asker <-get_answer_from-> answerer over the mem broker, heartbeat cron every minute")

	if err := m.SendTo(ctx, "", "asker", map[string]interface{}{"task_name": "manual-trigger"}, false); err != nil {
		logger.Printf("manual trigger failed: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Printf("received signal: %s, shutting down", sig)
	case <-time.After(3 * time.Second):
		logger.Printf("demo window elapsed, shutting down")
	}

	if err := m.Stop(5 * time.Second); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Printf("shutdown complete")
}

func askerHandler(ctx context.Context, mgr *worker.Manager) error {
	var in struct {
		TaskName string `json:"task_name"`
	}
	_ = mgr.Envelope().UnmarshalPayload(&in)

	answer, err := mgr.GetAnswerFrom(ctx, "answerer", map[string]int{"x": 2})
	if err != nil {
		return fmt.Errorf("get_answer_from(answerer) failed for tick %q: %w", in.TaskName, err)
	}

	var out struct {
		Y int `json:"y"`
	}
	if err := answer.UnmarshalPayload(&out); err != nil {
		return fmt.Errorf("decode answer payload: %w", err)
	}
	log.Printf("[asker] tick=%q got y=%d", in.TaskName, out.Y)
	return nil
}

func answererHandler(ctx context.Context, mgr *worker.Manager) error {
	var in struct {
		X int `json:"x"`
	}
	if err := mgr.Envelope().UnmarshalPayload(&in); err != nil {
		return fmt.Errorf("decode question payload: %w", err)
	}
	return mgr.Reply(ctx, map[string]int{"y": in.X * 2})
}
