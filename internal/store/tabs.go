package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05.000Z"

// Tab is the durable projection of a session: identity and display
// metadata only, never live process state. A Tab can outlive its
// process (an exited session keeps its tab until the user closes it).
type Tab struct {
	ID                    string
	WorkspaceID           string
	Kind                  string // "terminal" or "chat"
	Label                 string
	ExternalSessionHandle string
	LastPrompt            string
	SortOrder             int
	CreatedAt             time.Time
}

// InsertOrReplaceTab upserts a tab keyed by id. Last write wins on
// conflicting fields.
func (s *Store) InsertOrReplaceTab(t *Tab) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO tabs
		(id, workspace_id, kind, label, external_session_handle, last_prompt, sort_order, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkspaceID, t.Kind, t.Label, t.ExternalSessionHandle, t.LastPrompt,
		t.SortOrder, t.CreatedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("insert tab: %w", err)
	}
	return nil
}

// DeleteTab removes a tab. Deleting a non-existent id is not an error.
func (s *Store) DeleteTab(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM tabs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete tab: %w", err)
	}
	return nil
}

// DeleteAllTabsForWorkspace removes every tab for a workspace
// (workspace teardown). Idempotent.
func (s *Store) DeleteAllTabsForWorkspace(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM tabs WHERE workspace_id = ?", workspaceID); err != nil {
		return fmt.Errorf("delete workspace tabs: %w", err)
	}
	return nil
}

// ListTabs returns a workspace's tabs ordered by sort_order, then
// created_at as tiebreak. Never returns nil.
func (s *Store) ListTabs(workspaceID string) ([]*Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, workspace_id, kind, label, external_session_handle, last_prompt, sort_order, created_at
		FROM tabs WHERE workspace_id = ? ORDER BY sort_order ASC, created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	defer rows.Close()

	tabs := []*Tab{}
	for rows.Next() {
		t := &Tab{}
		var createdAt string
		if err := rows.Scan(&t.ID, &t.WorkspaceID, &t.Kind, &t.Label,
			&t.ExternalSessionHandle, &t.LastPrompt, &t.SortOrder, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tab: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		tabs = append(tabs, t)
	}
	return tabs, rows.Err()
}

// GetTab returns one tab, or nil when the id is unknown.
func (s *Store) GetTab(id string) (*Tab, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := &Tab{}
	var createdAt string
	err := s.db.QueryRow(`SELECT id, workspace_id, kind, label, external_session_handle, last_prompt, sort_order, created_at
		FROM tabs WHERE id = ?`, id).Scan(&t.ID, &t.WorkspaceID, &t.Kind, &t.Label,
		&t.ExternalSessionHandle, &t.LastPrompt, &t.SortOrder, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tab: %w", err)
	}
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}

// CountTabs returns the number of tabs in a workspace, used to enforce
// per-workspace session limits upstream.
func (s *Store) CountTabs(workspaceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tabs WHERE workspace_id = ?", workspaceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tabs: %w", err)
	}
	return n, nil
}

// UpdateLabel sets a tab's display name.
func (s *Store) UpdateLabel(id, label string) error {
	return s.updateField(id, "label", label)
}

// UpdateSortOrder sets a tab's position in the tab strip.
func (s *Store) UpdateSortOrder(id string, sortOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("UPDATE tabs SET sort_order = ? WHERE id = ?", sortOrder, id); err != nil {
		return fmt.Errorf("update sort_order: %w", err)
	}
	return nil
}

// UpdateExternalSessionHandle records the agent-protocol session id
// needed to resume a chat session after reconnect.
func (s *Store) UpdateExternalSessionHandle(id, handle string) error {
	return s.updateField(id, "external_session_handle", handle)
}

// UpdateLastPrompt records the most recent user prompt for UI recall.
func (s *Store) UpdateLastPrompt(id, prompt string) error {
	return s.updateField(id, "last_prompt", prompt)
}

func (s *Store) updateField(id, column, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(fmt.Sprintf("UPDATE tabs SET %s = ? WHERE id = ?", column), value, id); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFmt, "2006-01-02T15:04:05Z", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
