package id

import (
	"strings"
	"testing"
)

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	id := Generate()
	if len(id) != 32 {
		t.Errorf("len = %d, want 32", len(id))
	}
	for _, c := range id {
		if !strings.ContainsRune(alphabet, c) {
			t.Errorf("unexpected character %q", c)
		}
	}
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestNewJobID_Prefix(t *testing.T) {
	if !strings.HasPrefix(NewJobID(), "job_") {
		t.Error("job id missing prefix")
	}
}
