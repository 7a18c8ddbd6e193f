package pending

import (
	"testing"

	"github.com/cuemby/warden/pkg/types"
)

func TestAppendAndDrain(t *testing.T) {
	j := New()
	if j.Pending() {
		t.Fatal("new journal should have no pending changes")
	}

	j.AppendInsert(types.PendingChange{ID: "1", Name: "a"})
	j.AppendInsert(types.PendingChange{ID: "2", Name: "b"})
	j.AppendRemove(types.PendingChange{ID: "3", Name: "c"})

	inserts, removes := j.Counts()
	if inserts != 2 || removes != 1 {
		t.Fatalf("Counts() = (%d, %d), want (2, 1)", inserts, removes)
	}
	if !j.Pending() {
		t.Fatal("journal with appended changes should report pending")
	}

	gotInserts, gotRemoves := j.Drain()
	if len(gotInserts) != 2 || gotInserts[0].ID != "1" || gotInserts[1].ID != "2" {
		t.Fatalf("Drain() inserts = %v", gotInserts)
	}
	if len(gotRemoves) != 1 || gotRemoves[0].ID != "3" {
		t.Fatalf("Drain() removes = %v", gotRemoves)
	}
	for _, c := range gotInserts {
		if c.Kind != types.PendingInsert {
			t.Errorf("insert change %v has wrong kind", c)
		}
	}
	for _, c := range gotRemoves {
		if c.Kind != types.PendingRemove {
			t.Errorf("remove change %v has wrong kind", c)
		}
	}

	if j.Pending() {
		t.Fatal("journal should be empty after Drain")
	}
	ins, rem := j.Counts()
	if ins != 0 || rem != 0 {
		t.Fatalf("Counts() after Drain = (%d, %d), want (0, 0)", ins, rem)
	}
}

func TestDrainEmptyJournal(t *testing.T) {
	j := New()
	inserts, removes := j.Drain()
	if inserts != nil || removes != nil {
		t.Fatalf("Drain() on empty journal = %v, %v, want nil, nil", inserts, removes)
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	j := New()
	for i := 0; i < 5; i++ {
		j.AppendInsert(types.PendingChange{ID: string(rune('a' + i))})
	}
	inserts, _ := j.Drain()
	for i, c := range inserts {
		want := string(rune('a' + i))
		if c.ID != want {
			t.Errorf("inserts[%d].ID = %q, want %q", i, c.ID, want)
		}
	}
}
