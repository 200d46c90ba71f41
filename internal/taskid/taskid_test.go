package taskid

import (
	"testing"

	"github.com/google/uuid"
)

func TestResourceIsDeterministic(t *testing.T) {
	data := []byte("some resource payload")
	a := Resource(data)
	b := Resource(data)
	if a != b {
		t.Fatalf("Resource(%q) not deterministic: %s != %s", data, a, b)
	}
}

func TestResourceDiffersByContent(t *testing.T) {
	a := Resource([]byte("payload-one"))
	b := Resource([]byte("payload-two"))
	if a == b {
		t.Fatalf("distinct payloads produced the same resource id: %s", a)
	}
}

func TestTaskIsDeterministic(t *testing.T) {
	miner := []byte{0x01, 0x02, 0x03}
	resourceID := uuid.New()

	a := Task(miner, 0, resourceID)
	b := Task(miner, 0, resourceID)
	if a != b {
		t.Fatalf("Task(...) not deterministic: %s != %s", a, b)
	}
}

func TestTaskDiffersByKindAndMinerAndResource(t *testing.T) {
	resourceID := uuid.New()
	minerA := []byte{0x01}
	minerB := []byte{0x02}

	base := Task(minerA, 0, resourceID)

	if got := Task(minerB, 0, resourceID); got == base {
		t.Fatalf("task id did not change with a different miner")
	}
	if got := Task(minerA, 1, resourceID); got == base {
		t.Fatalf("task id did not change with a different kind")
	}
	if got := Task(minerA, 0, uuid.New()); got == base {
		t.Fatalf("task id did not change with a different resource id")
	}
}
