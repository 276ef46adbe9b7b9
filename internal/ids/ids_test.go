package ids

import (
	"strings"
	"sync"
	"testing"
)

func TestSessionIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := Session("cs_")
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate session id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestPrefixes(t *testing.T) {
	if id := Session("qs_"); !strings.HasPrefix(id, "qs_") {
		t.Errorf("expected qs_ prefix, got %s", id)
	}
	if id := Request("sds_sym"); !strings.HasPrefix(id, "sds_sym_") {
		t.Errorf("expected sds_sym_ prefix, got %s", id)
	}
}
