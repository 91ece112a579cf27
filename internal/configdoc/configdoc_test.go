package configdoc

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `
brokers:
  mem:
    driver: memory
    content_type: application/json
    compression: none
messages:
  greeting: {}
workers:
  greeter:
    input_message: greeting
    broker: mem
    topic: greeter.in
    prefetch: 1
    answer_topic: greeter.answers
    max_retries: 2
cron:
  heartbeat:
    worker: greeter
    expression: "* * * * *"
    alone: true
waitings:
  upstream:
    kind: tcp
    target: "localhost:5432"
    timeout_ms: 5000
    retry_delay_ms: 500
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAndToDefinitions(t *testing.T) {
	path := writeTemp(t, sampleDoc)
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	defs := doc.ToDefinitions()

	b, ok := defs.Brokers["mem"]
	if !ok || b.Driver != "memory" || b.Codec.ContentType != "application/json" {
		t.Fatalf("unexpected broker definition: %+v", b)
	}
	w, ok := defs.Workers["greeter"]
	if !ok || w.Broker != "mem" || w.Topic != "greeter.in" || w.MaxRetries != 2 {
		t.Fatalf("unexpected worker definition: %+v", w)
	}
	if len(defs.Cron) != 1 || defs.Cron[0].Worker != "greeter" || !defs.Cron[0].Alone {
		t.Fatalf("unexpected cron definitions: %+v", defs.Cron)
	}
	wait, ok := defs.Waitings["upstream"]
	if !ok || wait.Kind != "tcp" || wait.Target != "localhost:5432" {
		t.Fatalf("unexpected waiting definition: %+v", wait)
	}
	if _, ok := defs.Messages["greeting"]; !ok {
		t.Fatal("expected message definition for greeting")
	}
}

func TestLoadMultiDocument(t *testing.T) {
	path := writeTemp(t, "brokers:\n  a:\n    driver: memory\n---\nbrokers:\n  b:\n    driver: log\n")
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Brokers) != 2 {
		t.Fatalf("expected 2 merged brokers, got %d", len(doc.Brokers))
	}
}

func TestResolverPrecedence(t *testing.T) {
	flagVal := "/explicit/path.yaml"
	r := &Resolver{Name: "demo", ConfigFlag: &flagVal}
	if got := r.Resolve(); got != flagVal {
		t.Fatalf("expected flag to win, got %q", got)
	}
}
