package envelope

import (
	"testing"
	"time"
)

func TestNewValidatesClean(t *testing.T) {
	e, err := New("workerA", map[string]int{"x": 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestNewErrorValidatesClean(t *testing.T) {
	e := NewError("workerA", "parent-1", ErrorMessagePayload, "bad type")
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMixedPayloadAndError(t *testing.T) {
	e, _ := New("workerA", map[string]int{"x": 2})
	e.Error = &ErrorInfo{Topic: ErrorSystem, Message: "oops"}
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for mixed payload/error")
	}
}

func TestValidateRejectsPartialAnswerFields(t *testing.T) {
	e, _ := New("workerA", map[string]int{"x": 2})
	e.AnswerID = "abc"
	if err := e.Validate(); err == nil {
		t.Fatal("expected validation error for answer_id without answer_to_topic")
	}
}

func TestRoundTripJSON(t *testing.T) {
	e, _ := New("workerA", map[string]int{"x": 2})
	e.WithAnswerTo("workerA.answers", "req-1")

	data, err := e.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if got.ID != e.ID || got.AnswerID != e.AnswerID || got.AnswerToTopic != e.AnswerToTopic {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
	var payload map[string]int
	if err := got.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	if payload["x"] != 2 {
		t.Fatalf("payload mismatch: %v", payload)
	}
}

func TestIsExpired(t *testing.T) {
	e, _ := New("workerA", map[string]int{"x": 1})
	if e.IsExpired() {
		t.Fatal("fresh envelope without ttl must not expire")
	}
	e.TTLSeconds = 1
	e.DateCreated = time.Now().Add(-2 * time.Second)
	if !e.IsExpired() {
		t.Fatal("envelope older than its ttl must expire")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	e, _ := New("workerA", map[string]int{"x": 1})
	clone := e.Clone()
	clone.Payload[2] = 'Z'
	if string(e.Payload) == string(clone.Payload) {
		t.Fatal("clone must not share payload backing array")
	}
}
