package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTab(id, ws string, order int) *Tab {
	return &Tab{
		ID:          id,
		WorkspaceID: ws,
		Kind:        "terminal",
		Label:       "Terminal",
		SortOrder:   order,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestInsertAndGetTab(t *testing.T) {
	s := openTestStore(t)

	tab := testTab("tab-1", "ws-1", 0)
	tab.Kind = "chat"
	tab.ExternalSessionHandle = "acp-abc"
	tab.LastPrompt = "fix the bug"
	if err := s.InsertOrReplaceTab(tab); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetTab("tab-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil tab")
	}
	if got.Kind != "chat" {
		t.Errorf("kind = %q, want chat", got.Kind)
	}
	if got.ExternalSessionHandle != "acp-abc" {
		t.Errorf("handle = %q", got.ExternalSessionHandle)
	}
	if got.LastPrompt != "fix the bug" {
		t.Errorf("last prompt = %q", got.LastPrompt)
	}
}

func TestGetTabNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetTab("nonexistent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	tab := testTab("tab-1", "ws-1", 0)
	tab.Label = "first"
	if err := s.InsertOrReplaceTab(tab); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tab.Label = "second"
	if err := s.InsertOrReplaceTab(tab); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	n, err := s.CountTabs("ws-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	got, _ := s.GetTab("tab-1")
	if got.Label != "second" {
		t.Errorf("label = %q, want last write", got.Label)
	}
}

func TestListTabsOrdering(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()

	// Insert out of order; same sort_order breaks ties by created_at.
	tabs := []*Tab{
		{ID: "c", WorkspaceID: "ws-1", Kind: "terminal", SortOrder: 1, CreatedAt: base},
		{ID: "a", WorkspaceID: "ws-1", Kind: "terminal", SortOrder: 0, CreatedAt: base.Add(2 * time.Second)},
		{ID: "b", WorkspaceID: "ws-1", Kind: "terminal", SortOrder: 0, CreatedAt: base.Add(time.Second)},
	}
	for _, tab := range tabs {
		if err := s.InsertOrReplaceTab(tab); err != nil {
			t.Fatalf("insert %s: %v", tab.ID, err)
		}
	}

	got, err := s.ListTabs("ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %d tabs, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("tab[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestListTabsEmptyNotNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.ListTabs("ws-empty")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil {
		t.Fatal("expected empty slice, got nil")
	}
	if len(got) != 0 {
		t.Fatalf("got %d tabs, want 0", len(got))
	}
}

func TestSortOrderSwap(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	if err := s.InsertOrReplaceTab(&Tab{ID: "t1", WorkspaceID: "ws-1", Kind: "terminal", SortOrder: 0, CreatedAt: base}); err != nil {
		t.Fatalf("insert t1: %v", err)
	}
	if err := s.InsertOrReplaceTab(&Tab{ID: "t2", WorkspaceID: "ws-1", Kind: "terminal", SortOrder: 1, CreatedAt: base}); err != nil {
		t.Fatalf("insert t2: %v", err)
	}

	if err := s.UpdateSortOrder("t1", 1); err != nil {
		t.Fatalf("update t1: %v", err)
	}
	if err := s.UpdateSortOrder("t2", 0); err != nil {
		t.Fatalf("update t2: %v", err)
	}

	got, err := s.ListTabs("ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].ID != "t2" || got[1].ID != "t1" {
		t.Errorf("order = [%s %s], want [t2 t1]", got[0].ID, got[1].ID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.DeleteTab("never-existed"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if err := s.InsertOrReplaceTab(testTab("tab-1", "ws-1", 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.DeleteTab("tab-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTab("tab-1"); err != nil {
		t.Fatalf("redelete: %v", err)
	}
}

func TestDeleteAllTabsForWorkspace(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.InsertOrReplaceTab(testTab(fmt.Sprintf("a-%d", i), "ws-a", i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.InsertOrReplaceTab(testTab("b-0", "ws-b", 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.DeleteAllTabsForWorkspace("ws-a"); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	n, _ := s.CountTabs("ws-a")
	if n != 0 {
		t.Errorf("ws-a count = %d, want 0", n)
	}
	n, _ = s.CountTabs("ws-b")
	if n != 1 {
		t.Errorf("ws-b count = %d, want 1", n)
	}
}

func TestFieldUpdates(t *testing.T) {
	s := openTestStore(t)
	if err := s.InsertOrReplaceTab(testTab("tab-1", "ws-1", 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := s.UpdateLabel("tab-1", "build shell"); err != nil {
		t.Fatalf("update label: %v", err)
	}
	if err := s.UpdateExternalSessionHandle("tab-1", "acp-42"); err != nil {
		t.Fatalf("update handle: %v", err)
	}
	if err := s.UpdateLastPrompt("tab-1", "run the tests"); err != nil {
		t.Fatalf("update prompt: %v", err)
	}

	got, _ := s.GetTab("tab-1")
	if got.Label != "build shell" || got.ExternalSessionHandle != "acp-42" || got.LastPrompt != "run the tests" {
		t.Errorf("unexpected tab after updates: %+v", got)
	}
}

func TestTabsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perch.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		tab := testTab(fmt.Sprintf("tab-%d", i), "ws-1", i)
		tab.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.InsertOrReplaceTab(tab); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen at the current schema version: migrations must be a no-op.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.ListTabs("ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d tabs after reopen, want 4", len(got))
	}
	for i, tab := range got {
		if tab.ID != fmt.Sprintf("tab-%d", i) {
			t.Errorf("tab[%d] = %s", i, tab.ID)
		}
	}
}
