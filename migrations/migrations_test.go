package migrations

import (
	"strings"
	"testing"
)

func TestAll(t *testing.T) {
	all, err := All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("expected at least one migration")
	}
	if all[0].Name != "001_init.sql" {
		t.Errorf("first migration = %s, want 001_init.sql", all[0].Name)
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Errorf("migrations out of order: %s before %s", all[i-1].Name, all[i].Name)
		}
	}
	for _, table := range []string{"workflow_jobs", "outbox"} {
		if !strings.Contains(all[0].SQL, table) {
			t.Errorf("initial schema does not mention %s", table)
		}
	}
}
