package events

import (
	"strings"
	"sync"
	"testing"
)

func TestAuditLogOrderAndRender(t *testing.T) {
	var log AuditLog
	log.Add("first")
	log.Command([]string{"mod", "build", "/ws"}, "ok")
	log.Addf("SKIPPED: %s (No changes)", "r1")

	got := log.Entries()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[1] != "CMD: mod build /ws\nOUT: ok" {
		t.Fatalf("unexpected command entry %q", got[1])
	}
	want := "first\n---\nCMD: mod build /ws\nOUT: ok\n---\nSKIPPED: r1 (No changes)"
	if log.String() != want {
		t.Fatalf("unexpected render %q", log.String())
	}

	got[0] = "mutated"
	if log.Entries()[0] != "first" {
		t.Fatalf("Entries must return a copy")
	}
}

func TestAuditLogConcurrentAppend(t *testing.T) {
	var log AuditLog
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Add("entry")
		}()
	}
	wg.Wait()
	if log.Len() != 20 {
		t.Fatalf("expected 20 entries, got %d", log.Len())
	}
	if strings.Count(log.String(), Separator) != 19 {
		t.Fatalf("unexpected separators in %q", log.String())
	}
}
