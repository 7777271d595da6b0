package ids

import (
	"strings"
	"testing"
)

func TestGenerateMonotonicAndUnique(t *testing.T) {
	seen := make(map[int64]struct{})
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if id <= prev {
			t.Fatalf("id %d not increasing after %d", id, prev)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
		prev = id
	}
}

func TestTempMessageID(t *testing.T) {
	id := TempMessageID()
	if !strings.HasPrefix(id, "tmp-") {
		t.Fatalf("temp id = %q", id)
	}
	if id == TempMessageID() {
		t.Fatal("temp ids must be unique")
	}
}
