package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/definition"
	"github.com/relaymesh/relaymesh/internal/broker/memory"
	"github.com/relaymesh/relaymesh/internal/uerr"
	"github.com/relaymesh/relaymesh/public/worker"
)

func newTestMediator(t *testing.T) (*Mediator, *memory.Broker) {
	t.Helper()
	b := memory.New()
	m := New("mem", "errors", nil)
	if err := m.RegisterBroker(definition.Broker{Name: "mem", Driver: definition.DriverMemory}, b); err != nil {
		t.Fatalf("register broker: %v", err)
	}
	return m, b
}

// TestRPCHappyPath implements spec §8 scenario 3: worker A calls
// get_answer_from("B", {x:2}); worker B replies {y:4}; A receives it and
// the pending-waiter table returns to empty.
func TestRPCHappyPath(t *testing.T) {
	m, _ := newTestMediator(t)

	if err := m.RegisterMessage(definition.Message{Name: "req"}); err != nil {
		t.Fatal(err)
	}

	received := make(chan int, 1)

	if err := m.RegisterWorker(definition.Worker{
		Name:          "A",
		InputMessage:  "req",
		Broker:        "mem",
		Topic:         "a.in",
		AnswerTopic:   "a.answers",
		RPCDeadlineMS: 2000,
	}, func(ctx context.Context, mgr *worker.Manager) error {
		answer, err := mgr.GetAnswerFrom(ctx, "B", map[string]int{"x": 2})
		if err != nil {
			return err
		}
		var out struct {
			Y int `json:"y"`
		}
		if err := answer.UnmarshalPayload(&out); err != nil {
			return err
		}
		received <- out.Y
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterWorker(definition.Worker{
		Name:         "B",
		InputMessage: "req",
		Broker:       "mem",
		Topic:        "b.in",
	}, func(ctx context.Context, mgr *worker.Manager) error {
		return mgr.Reply(ctx, map[string]int{"y": 4})
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	if err := m.SendTo(ctx, "", "A", map[string]int{"x": 0}, false); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case y := <-received:
		if y != 4 {
			t.Fatalf("expected y=4, got %d", y)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RPC round trip never completed")
	}

	m.pendingMu.Lock()
	pendingCount := len(m.pending)
	m.pendingMu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("expected pending-waiter table empty, got %d entries", pendingCount)
	}
}

// TestRPCTimeout implements spec §8 scenario 4: the callee never
// replies, so get_answer_from must fail with RPC_TIMEOUT once its
// deadline elapses, and the pending-waiter table must return to empty.
func TestRPCTimeout(t *testing.T) {
	m, _ := newTestMediator(t)

	if err := m.RegisterMessage(definition.Message{Name: "req"}); err != nil {
		t.Fatal(err)
	}

	rpcErr := make(chan error, 1)

	if err := m.RegisterWorker(definition.Worker{
		Name:          "A",
		InputMessage:  "req",
		Broker:        "mem",
		Topic:         "a.in",
		AnswerTopic:   "a.answers",
		RPCDeadlineMS: 200,
	}, func(ctx context.Context, mgr *worker.Manager) error {
		_, err := mgr.GetAnswerFrom(ctx, "B", map[string]int{"x": 1})
		rpcErr <- err
		return err
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.RegisterWorker(definition.Worker{
		Name:         "B",
		InputMessage: "req",
		Broker:       "mem",
		Topic:        "b.in",
	}, func(ctx context.Context, mgr *worker.Manager) error {
		return nil // never replies
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(time.Second)

	if err := m.SendTo(ctx, "", "A", map[string]int{"x": 0}, false); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case err := <-rpcErr:
		if uerr.KindOf(err) != uerr.RPCTimeout {
			t.Fatalf("expected RPC_TIMEOUT, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RPC call never timed out")
	}

	m.pendingMu.Lock()
	pendingCount := len(m.pending)
	m.pendingMu.Unlock()
	if pendingCount != 0 {
		t.Fatalf("expected pending-waiter table empty after timeout, got %d entries", pendingCount)
	}
}

func TestRegisterWorkerDuplicateNameRejected(t *testing.T) {
	m, _ := newTestMediator(t)
	if err := m.RegisterMessage(definition.Message{Name: "req"}); err != nil {
		t.Fatal(err)
	}
	def := definition.Worker{Name: "dup", InputMessage: "req", Broker: "mem", Topic: "dup.in"}
	noop := func(ctx context.Context, mgr *worker.Manager) error { return nil }

	if err := m.RegisterWorker(def, noop); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	err := m.RegisterWorker(def, noop)
	if err == nil || uerr.KindOf(err) != uerr.DefinitionDuplicate {
		t.Fatalf("expected DEFINITION_DUPLICATE, got %v", err)
	}
}

func TestRegisterWorkerUnknownBrokerRejected(t *testing.T) {
	m, _ := newTestMediator(t)
	if err := m.RegisterMessage(definition.Message{Name: "req"}); err != nil {
		t.Fatal(err)
	}
	err := m.RegisterWorker(definition.Worker{
		Name: "orphan", InputMessage: "req", Broker: "nonexistent", Topic: "x",
	}, func(ctx context.Context, mgr *worker.Manager) error { return nil })
	if err == nil || uerr.KindOf(err) != uerr.ConfigInvalid {
		t.Fatalf("expected CONFIG_INVALID, got %v", err)
	}
}
