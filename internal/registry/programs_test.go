package registry

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fnvm.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordState_InsertsNewRecord(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordState("deadbeef", "warm", "vm-1"); err != nil {
		t.Fatalf("RecordState: %v", err)
	}

	rec, err := db.GetProgram("deadbeef")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.State != "warm" || rec.VMID != "vm-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRecordState_UpdatesExistingRecord(t *testing.T) {
	db := openTestDB(t)

	if err := db.RecordState("deadbeef", "warm", "vm-1"); err != nil {
		t.Fatalf("RecordState: %v", err)
	}
	if err := db.RecordState("deadbeef", "cold", ""); err != nil {
		t.Fatalf("RecordState: %v", err)
	}

	rec, err := db.GetProgram("deadbeef")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if rec.State != "cold" || rec.VMID != "" {
		t.Fatalf("expected updated record, got %+v", rec)
	}
}

func TestGetProgram_UnknownHashReturnsNil(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.GetProgram("unknown")
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}
}

func TestListPrograms_ReturnsAllRecords(t *testing.T) {
	db := openTestDB(t)

	for _, h := range []string{"a", "b", "c"} {
		if err := db.RecordState(h, "warm", "vm-"+h); err != nil {
			t.Fatalf("RecordState(%s): %v", h, err)
		}
	}

	recs, err := db.ListPrograms()
	if err != nil {
		t.Fatalf("ListPrograms: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
}
