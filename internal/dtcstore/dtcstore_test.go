package dtcstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dtc.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIsNewReportsFirstSeenThenSuppresses(t *testing.T) {
	s := openTestStore(t)
	first, err := s.IsNew(0x20, 110, 3)
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !first {
		t.Fatal("first occurrence must report new")
	}
	second, err := s.IsNew(0x20, 110, 3)
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if second {
		t.Fatal("repeated occurrence must not report new")
	}
}

func TestDistinctSourceAddressesAreIndependent(t *testing.T) {
	s := openTestStore(t)
	s.IsNew(0x20, 110, 3)
	isNew, err := s.IsNew(0x21, 110, 3)
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !isNew {
		t.Fatal("same SPN/FMI from a different source address must be independent")
	}
}

func TestRemoveAllowsReReporting(t *testing.T) {
	s := openTestStore(t)
	s.IsNew(0x20, 110, 3)
	if err := s.Remove(0x20, 110, 3); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	isNew, err := s.IsNew(0x20, 110, 3)
	if err != nil {
		t.Fatalf("IsNew: %v", err)
	}
	if !isNew {
		t.Fatal("after Remove, the DTC should be reportable as new again")
	}
}

func TestClearAllResetsEverything(t *testing.T) {
	s := openTestStore(t)
	s.IsNew(0x20, 110, 3)
	s.IsNew(0x21, 200, 5)
	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}
	isNew, _ := s.IsNew(0x20, 110, 3)
	if !isNew {
		t.Fatal("after ClearAll, previously seen DTCs should report new again")
	}
}
