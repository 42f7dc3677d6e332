package multi

import (
	"context"
	"errors"
	"testing"

	"github.com/crimson-sun/tributary/internal/model"
)

// mockOutput records calls for test assertions.
type mockOutput struct {
	batches []model.IngestBatch
	closed  bool
	err     error // if set, Write returns this error
}

func (m *mockOutput) Write(_ context.Context, batch model.IngestBatch) (model.Counts, error) {
	m.batches = append(m.batches, batch)
	if m.err != nil {
		return model.Counts{Failure: len(batch.Events)}, m.err
	}
	return model.Counts{Success: len(batch.Events)}, nil
}

func (m *mockOutput) Close() error {
	m.closed = true
	return m.err
}

func testBatch(dataset string) model.IngestBatch {
	return model.IngestBatch{
		Source:    "atlassian",
		Dataset:   dataset,
		Namespace: "default",
		Events:    []model.NormalizedEvent{{"id": "1"}, {"id": "2"}},
	}
}

func TestFanOutDeliversToAll(t *testing.T) {
	a := &mockOutput{}
	b := &mockOutput{}
	c := &mockOutput{}
	m := New(a, b, c)

	counts, err := m.Write(context.Background(), testBatch("atlassian.audit"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts.Success != 2 {
		t.Fatalf("expected primary counts {2,0}, got %+v", counts)
	}

	for i, out := range []*mockOutput{a, b, c} {
		if len(out.batches) != 1 {
			t.Errorf("output %d: got %d batches, want 1", i, len(out.batches))
		}
		if out.batches[0].Dataset != "atlassian.audit" {
			t.Errorf("output %d: got dataset %q, want %q", i, out.batches[0].Dataset, "atlassian.audit")
		}
	}
}

func TestErrorDoesNotPreventDelivery(t *testing.T) {
	failing := &mockOutput{err: errors.New("disk full")}
	healthy := &mockOutput{}
	m := New(failing, healthy)

	counts, err := m.Write(context.Background(), testBatch("atlassian.audit"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if counts.Failure != 2 {
		t.Fatalf("expected the failing primary's counts, got %+v", counts)
	}

	// Healthy output still received the batch despite earlier failure.
	if len(healthy.batches) != 1 {
		t.Fatalf("healthy output got %d batches, want 1", len(healthy.batches))
	}

	// Failing output also received the call (error returned after).
	if len(failing.batches) != 1 {
		t.Fatalf("failing output got %d batches, want 1", len(failing.batches))
	}
}

func TestCloseCallsAllOutputs(t *testing.T) {
	a := &mockOutput{}
	b := &mockOutput{}
	m := New(a, b)

	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !a.closed || !b.closed {
		t.Errorf("Close not called on all outputs: a=%v b=%v", a.closed, b.closed)
	}
}

func TestCloseCollectsErrors(t *testing.T) {
	a := &mockOutput{err: errors.New("err-a")}
	b := &mockOutput{err: errors.New("err-b")}
	m := New(a, b)

	err := m.Close()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !a.closed || !b.closed {
		t.Error("Close should be called on all outputs even when errors occur")
	}
}

func TestSingleOutputIdentity(t *testing.T) {
	inner := &mockOutput{}
	m := New(inner)

	if _, err := m.Write(context.Background(), testBatch("jira.audit")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(inner.batches) != 1 || inner.batches[0].Dataset != "jira.audit" {
		t.Error("single-output Multi did not behave identically to wrapped output")
	}
	if !inner.closed {
		t.Error("single-output Multi did not close inner output")
	}
}

func TestMirroredSkipsMirrorsOnPrimaryFailure(t *testing.T) {
	primary := &mockOutput{err: errors.New("cluster unavailable")}
	mirror := &mockOutput{}
	m := NewMirrored(primary, mirror)

	if _, err := m.Write(context.Background(), testBatch("jira.audit")); err == nil {
		t.Fatal("expected primary error")
	}
	if len(mirror.batches) != 0 {
		t.Fatalf("mirror received %d batches after a failed primary write", len(mirror.batches))
	}

	// The retried write succeeds and reaches the mirror exactly once.
	primary.err = nil
	counts, err := m.Write(context.Background(), testBatch("jira.audit"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if counts.Success != 2 {
		t.Fatalf("expected primary counts, got %+v", counts)
	}
	if len(mirror.batches) != 1 {
		t.Fatalf("mirror received %d batches, want 1", len(mirror.batches))
	}
}

func TestMirroredMirrorErrorSurfaces(t *testing.T) {
	mirror := &mockOutput{err: errors.New("disk full")}
	m := NewMirrored(&mockOutput{}, mirror)

	counts, err := m.Write(context.Background(), testBatch("zendesk.audit"))
	if err == nil {
		t.Fatal("expected mirror error to be reported")
	}
	if counts.Success != 2 {
		t.Fatalf("expected primary counts, got %+v", counts)
	}
}
