package telemetry

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "request_logs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedRecords(t *testing.T, s *Store) {
	t.Helper()
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	records := []Record{
		{Timestamp: base, TraceID: "t-1", Level: "t1", Model: "gpt-4o-mini", Status: "success", TokenSource: "upstream"},
		{Timestamp: base.Add(time.Minute), TraceID: "t-2", Level: "t2", Model: "gpt-4", Status: "success", TokenSource: "local"},
		{Timestamp: base.Add(2 * time.Minute), TraceID: "t-3", Level: "t2", Model: "all", Status: "error", ErrorDetail: "all models failed"},
	}
	for _, r := range records {
		if err := s.Insert(r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInsertAndListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	seedRecords(t, s)

	total, recs, err := s.List(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(recs) != 3 {
		t.Fatalf("total=%d len=%d, want 3/3", total, len(recs))
	}
	if recs[0].TraceID != "t-3" || recs[2].TraceID != "t-1" {
		t.Errorf("order = %s..%s, want newest first", recs[0].TraceID, recs[2].TraceID)
	}
	if recs[1].TokenSource != "local" {
		t.Errorf("token_source = %q", recs[1].TokenSource)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	seedRecords(t, s)

	total, recs, err := s.List(Filter{Level: "t2", Status: "success"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || recs[0].TraceID != "t-2" {
		t.Errorf("filtered = %d %+v", total, recs)
	}

	// Model matches as a substring.
	total, _, err = s.List(Filter{Model: "gpt-4"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("substring filter total = %d, want 2", total)
	}
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	seedRecords(t, s)

	total, page1, err := s.List(Filter{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(page1) != 2 {
		t.Fatalf("page1: total=%d len=%d", total, len(page1))
	}

	_, page2, err := s.List(Filter{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 1 || page2[0].TraceID != "t-1" {
		t.Errorf("page2 = %+v", page2)
	}
}

func TestRecent(t *testing.T) {
	s := newTestStore(t)
	seedRecords(t, s)

	recs, err := s.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].TraceID != "t-3" {
		t.Errorf("recent = %+v", recs)
	}
}
