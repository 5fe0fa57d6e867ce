// Package session owns every live PTY and agent-protocol child process
// on the node. Each session's process handle belongs to a single pump
// goroutine; all other components go through the Registry.
package session

import (
	"sync"
	"time"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusOrphaned Status = "orphaned"
	StatusExited   Status = "exited"
)

type Kind string

const (
	KindTerminal Kind = "terminal"
	KindChat     Kind = "chat"
)

// MaxLabelLen caps user-editable session labels.
const MaxLabelLen = 50

// Sink receives a session's output stream. The gateway implements it
// with a per-connection send queue; implementations must not block.
type Sink interface {
	// Output delivers live process output bytes, in production order.
	Output(sessionID string, data []byte)
	// Scrollback delivers the buffered replay exactly once per attach,
	// before any Output call for the new attachment.
	Scrollback(sessionID string, data []byte)
	// Exited reports process termination with its exit code.
	Exited(sessionID string, exitCode int)
	// Detached tells a displaced connection it lost the session
	// (takeover). The connection must be closed cleanly, not left
	// hanging.
	Detached(sessionID string, reason string)
}

// Session is the in-memory, runtime-authoritative record of one child
// process. Durable identity lives in the store as a Tab.
type Session struct {
	mu sync.Mutex

	ID          string
	WorkspaceID string
	Kind        Kind
	Label       string
	SortOrder   int
	CreatedAt   time.Time

	status   Status
	exitCode *int
	// closing marks a session whose teardown has been decided but whose
	// process has not finished exiting. Attaches during this window fail
	// the same way they would after exit.
	closing bool

	dir                   string // spawn directory, cwd fallback
	externalSessionHandle string
	lastPrompt            string

	proc       proc
	scrollback *ringBuffer

	// At most one live attachment. nil while orphaned.
	sink Sink

	orphanTimer    *time.Timer
	orphanDeadline time.Time

	// pumpDone closes when the pump has drained the process's output
	// to EOF. The exit path waits on it before reaping the process, so
	// final output is never discarded with the pipe.
	pumpDone chan struct{}
	done     chan struct{}
}

// Info is the snapshot shape sent to clients and callers.
type Info struct {
	ID                    string `json:"id"`
	WorkspaceID           string `json:"workspaceId"`
	Kind                  Kind   `json:"kind"`
	Label                 string `json:"label"`
	SortOrder             int    `json:"sortOrder"`
	Status                Status `json:"status"`
	WorkingDirectory      string `json:"workingDirectory,omitempty"`
	ExternalSessionHandle string `json:"externalSessionHandle,omitempty"`
	LastPrompt            string `json:"lastPrompt,omitempty"`
	ExitCode              *int   `json:"exitCode,omitempty"`
	CreatedAt             string `json:"createdAt"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:                    s.ID,
		WorkspaceID:           s.WorkspaceID,
		Kind:                  s.Kind,
		Label:                 s.Label,
		SortOrder:             s.SortOrder,
		Status:                s.status,
		ExternalSessionHandle: s.externalSessionHandle,
		LastPrompt:            s.lastPrompt,
		ExitCode:              s.exitCode,
		CreatedAt:             s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.proc != nil && s.status != StatusExited {
		info.WorkingDirectory = processCwd(s.proc.Pid(), s.dir)
	} else {
		info.WorkingDirectory = s.dir
	}
	return info
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the underlying process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// stopOrphanTimerLocked cancels a pending teardown. Returns true if a
// timer was armed. Callers hold s.mu, which also serializes against the
// timer callback's own status check, so cancel-vs-fire races resolve to
// exactly one outcome.
func (s *Session) stopOrphanTimerLocked() bool {
	if s.orphanTimer == nil {
		return false
	}
	s.orphanTimer.Stop()
	s.orphanTimer = nil
	s.orphanDeadline = time.Time{}
	return true
}
