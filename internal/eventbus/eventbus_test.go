package eventbus

import "testing"

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	if err := b.ExperimentStatusChanged(nil, "exp-1", "READY"); err != nil {
		t.Fatalf("expected nil bus publish to be a no-op, got %v", err)
	}
	if err := b.ExecutorSilent(nil, "ex-1"); err != nil {
		t.Fatalf("expected nil bus publish to be a no-op, got %v", err)
	}
}

func TestUnconnectedBusCloseIsNoop(t *testing.T) {
	var b *Bus
	b.Close() // must not panic
}
