package session

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchhq/perch/internal/store"
)

const killGracePeriod = 5 * time.Second

// Options configures the registry.
type Options struct {
	// OrphanGrace is how long a session survives without an attached
	// connection before its process is torn down.
	OrphanGrace time.Duration
	// MaxSessions caps live sessions per workspace.
	MaxSessions int
	// Shell is the command spawned for terminal sessions.
	Shell string
}

// Registry is the process-wide table of live sessions. It is the sole
// source of truth for live process state; the store is the sole source
// of truth for durable Tab identity. The two meet only at create and
// close.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// idempotency maps create keys to reservations for the lifetime of
	// this process. A retried create after a restart may spawn a new
	// session; the store does not track keys.
	idempotency map[string]*idemEntry

	store  *store.Store
	logger *slog.Logger
	opts   Options
}

func NewRegistry(st *store.Store, logger *slog.Logger, opts Options) *Registry {
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 3 * time.Minute
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 20
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idempotency: make(map[string]*idemEntry),
		store:       st,
		logger:      logger,
		opts:        opts,
	}
}

// Restore repopulates the registry from persisted tabs after a restart.
// The processes are gone, so every restored session is an exited
// placeholder; the UI keeps its tabs and can spawn fresh sessions.
func (r *Registry) Restore(workspaceID string) error {
	tabs, err := r.store.ListTabs(workspaceID)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tab := range tabs {
		done := make(chan struct{})
		close(done)
		s := &Session{
			ID:                    tab.ID,
			WorkspaceID:           tab.WorkspaceID,
			Kind:                  Kind(tab.Kind),
			Label:                 tab.Label,
			SortOrder:             tab.SortOrder,
			CreatedAt:             tab.CreatedAt,
			status:                StatusExited,
			externalSessionHandle: tab.ExternalSessionHandle,
			lastPrompt:            tab.LastPrompt,
			scrollback:            newRingBuffer(ScrollbackCap),
			done:                  done,
		}
		r.sessions[tab.ID] = s
	}
	if len(tabs) > 0 {
		r.logger.Info("restored persisted sessions", "count", len(tabs))
	}
	return nil
}

// idemEntry reserves an idempotency key while its create is in flight
// and records the outcome for concurrent and later retries. done
// closes once sessionID or err is set.
type idemEntry struct {
	done      chan struct{}
	sessionID string
	err       error
}

// CreateParams describes a session to spawn.
type CreateParams struct {
	WorkspaceID string
	Kind        Kind
	Label       string
	Dir         string
	Cols        uint16
	Rows        uint16
	// IdempotencyKey dedupes retried creates within this process's
	// lifetime. Empty disables deduplication.
	IdempotencyKey string
	// Command is the agent subprocess for chat sessions. Terminals
	// ignore it and spawn the configured shell.
	Command *exec.Cmd
	// ExternalSessionHandle seeds the agent-protocol session id for
	// chat sessions resuming a known conversation.
	ExternalSessionHandle string
}

// Create spawns a new session process and persists its tab. A repeated
// create carrying the same idempotency key returns the original session
// instead of spawning a duplicate. The new session starts unattached
// with the orphan clock running; the caller is expected to attach.
func (r *Registry) Create(params CreateParams) (*Session, error) {
	// Reserve the idempotency key before spawning anything: a
	// concurrent retry with the same key must wait for this create's
	// outcome, not race past the check and spawn a duplicate.
	var entry *idemEntry
	if params.IdempotencyKey != "" {
		r.mu.Lock()
		if existing, ok := r.idempotency[params.IdempotencyKey]; ok {
			r.mu.Unlock()
			<-existing.done
			if existing.err != nil {
				return nil, existing.err
			}
			if s, ok := r.Get(existing.sessionID); ok {
				return s, nil
			}
			return nil, ErrNotFound
		}
		entry = &idemEntry{done: make(chan struct{})}
		r.idempotency[params.IdempotencyKey] = entry
		r.mu.Unlock()
	}
	fail := func(err error) (*Session, error) {
		if entry != nil {
			r.mu.Lock()
			delete(r.idempotency, params.IdempotencyKey)
			r.mu.Unlock()
			entry.err = err
			close(entry.done)
		}
		return nil, err
	}

	if len(params.Label) > MaxLabelLen {
		return fail(ErrLabelTooLong)
	}
	if params.Kind == "" {
		params.Kind = KindTerminal
	}
	if params.Cols == 0 {
		params.Cols = 80
	}
	if params.Rows == 0 {
		params.Rows = 24
	}

	count, err := r.store.CountTabs(params.WorkspaceID)
	if err != nil {
		return fail(fmt.Errorf("count tabs: %w", err))
	}
	if count >= r.opts.MaxSessions {
		return fail(ErrLimitReached)
	}

	var p proc
	switch params.Kind {
	case KindChat:
		if params.Command == nil {
			return fail(fmt.Errorf("chat session requires a command"))
		}
		p, err = startPipes(params.Command)
	default:
		p, err = startShell(r.opts.Shell, params.Dir, params.Cols, params.Rows)
	}
	if err != nil {
		// Spawn failures are reported to the caller and not retried
		// here; no Session object is retained.
		return fail(err)
	}

	s := &Session{
		ID:                    "s_" + uuid.NewString()[:8],
		WorkspaceID:           params.WorkspaceID,
		Kind:                  params.Kind,
		Label:                 params.Label,
		SortOrder:             count,
		CreatedAt:             time.Now(),
		status:                StatusRunning,
		dir:                   params.Dir,
		externalSessionHandle: params.ExternalSessionHandle,
		proc:                  p,
		scrollback:            newRingBuffer(ScrollbackCap),
		pumpDone:              make(chan struct{}),
		done:                  make(chan struct{}),
	}

	tab := &store.Tab{
		ID:                    s.ID,
		WorkspaceID:           s.WorkspaceID,
		Kind:                  string(s.Kind),
		Label:                 s.Label,
		ExternalSessionHandle: s.externalSessionHandle,
		SortOrder:             s.SortOrder,
		CreatedAt:             s.CreatedAt,
	}
	if err := r.store.InsertOrReplaceTab(tab); err != nil {
		p.Terminate()
		p.Kill()
		return fail(fmt.Errorf("persist tab: %w", err))
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	if entry != nil {
		entry.sessionID = s.ID
		close(entry.done)
	}

	s.mu.Lock()
	s.status = StatusOrphaned
	r.armOrphanTimerLocked(s)
	s.mu.Unlock()

	go r.pump(s)
	go r.wait(s)

	r.logger.Info("session created", "id", s.ID, "kind", s.Kind, "workspace", s.WorkspaceID)
	return s, nil
}

// Get returns the session for an id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List snapshots every non-deleted session for a workspace. Order is
// undefined; clients order tabs by the persisted sortOrder.
func (r *Registry) List(workspaceID string) []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.WorkspaceID == workspaceID {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Attach connects a sink to a session. Without takeover, attaching to
// a session that already has a live connection fails with
// ErrAlreadyAttached; with takeover the previous connection is
// displaced and closed cleanly. On success the pending orphan teardown
// is cancelled, onAttached is invoked, and the scrollback is flushed to
// the sink exactly once, atomically with respect to live output, so
// the replay never loses or duplicates bytes.
func (r *Registry) Attach(id string, sink Sink, takeover bool, cols, rows uint16, onAttached func(Info)) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return ErrExited
	}
	// A close that committed before this attach was authorized wins:
	// never attach to a process already being torn down.
	if s.closing {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.sink != nil && !takeover {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	displaced := s.sink
	s.stopOrphanTimerLocked()
	if cols > 0 && rows > 0 {
		if err := s.proc.Resize(cols, rows); err != nil {
			r.logger.Debug("resize on attach failed", "id", id, "err", err)
		}
	}
	s.sink = sink
	s.status = StatusRunning
	info := s.infoLocked()
	if onAttached != nil {
		onAttached(info)
	}
	sink.Scrollback(s.ID, s.scrollback.Take())
	s.mu.Unlock()

	if displaced != nil && displaced != sink {
		displaced.Detached(id, "takeover")
	}
	r.logger.Info("session attached", "id", id, "takeover", takeover)
	return nil
}

// Detach releases a sink's attachment and starts the orphan clock. A
// stale connection (already displaced by takeover) is ignored.
func (r *Registry) Detach(id string, sink Sink) {
	s, ok := r.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	if s.sink != sink {
		s.mu.Unlock()
		return
	}
	s.sink = nil
	if s.status == StatusRunning {
		s.status = StatusOrphaned
		r.armOrphanTimerLocked(s)
		r.logger.Info("session orphaned", "id", id, "grace", r.opts.OrphanGrace)
	}
	s.mu.Unlock()
}

// Input writes bytes to the session's stdin, synchronously.
func (r *Registry) Input(id string, data []byte) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusExited {
		return ErrExited
	}
	if _, err := s.proc.Write(data); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize applies new terminal dimensions immediately.
func (r *Registry) Resize(id string, cols, rows uint16) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusExited {
		return ErrExited
	}
	return s.proc.Resize(cols, rows)
}

// Rename updates the session label in memory and in the store.
func (r *Registry) Rename(id, label string) error {
	if len(label) > MaxLabelLen {
		return ErrLabelTooLong
	}
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.Label = label
	s.mu.Unlock()
	return r.store.UpdateLabel(id, label)
}

// SetSortOrder updates the tab position in memory and in the store.
func (r *Registry) SetSortOrder(id string, order int) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.SortOrder = order
	s.mu.Unlock()
	return r.store.UpdateSortOrder(id, order)
}

// SetLastPrompt records a chat session's most recent prompt.
func (r *Registry) SetLastPrompt(id, prompt string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.lastPrompt = prompt
	s.mu.Unlock()
	return r.store.UpdateLastPrompt(id, prompt)
}

// SetExternalSessionHandle records the agent-protocol session id used
// to resume the conversation after reconnect.
func (r *Registry) SetExternalSessionHandle(id, handle string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.externalSessionHandle = handle
	s.mu.Unlock()
	return r.store.UpdateExternalSessionHandle(id, handle)
}

// Close terminates the session process and deletes its tab. Unlike
// detach, this is immediate and permanent.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	for key, e := range r.idempotency {
		if e.sessionID == id {
			delete(r.idempotency, key)
		}
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.closing = true
	s.stopOrphanTimerLocked()
	sink := s.sink
	s.sink = nil
	exited := s.status == StatusExited
	p := s.proc
	s.mu.Unlock()

	if !exited {
		r.terminate(s, p)
	}
	if sink != nil {
		sink.Detached(id, "closed")
	}
	if err := r.store.DeleteTab(id); err != nil {
		return err
	}
	r.logger.Info("session closed", "id", id)
	return nil
}

// CloseAll terminates every live session. Tabs are kept: they are the
// durable record that survives an agent restart.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		exited := s.status == StatusExited
		s.closing = true
		p := s.proc
		s.mu.Unlock()
		if !exited {
			r.terminate(s, p)
		}
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-time.After(10 * time.Second):
		}
	}
}

// armOrphanTimerLocked starts the teardown clock. Caller holds s.mu.
func (r *Registry) armOrphanTimerLocked(s *Session) {
	s.stopOrphanTimerLocked()
	s.orphanDeadline = time.Now().Add(r.opts.OrphanGrace)
	s.orphanTimer = time.AfterFunc(r.opts.OrphanGrace, func() {
		r.orphanExpired(s)
	})
}

// orphanExpired fires when the grace period elapses. It takes s.mu, so
// it serializes against Attach: either the reattach cancelled the
// timer state first (we bail), or teardown wins and later attaches see
// ErrExited.
func (r *Registry) orphanExpired(s *Session) {
	s.mu.Lock()
	if s.status != StatusOrphaned || s.orphanTimer == nil {
		s.mu.Unlock()
		return
	}
	s.orphanTimer = nil
	s.closing = true
	p := s.proc
	s.mu.Unlock()

	r.logger.Info("orphan grace elapsed, terminating session", "id", s.ID)
	r.terminate(s, p)
}

// terminate asks the process to exit, escalating to SIGKILL after a
// grace period. The wait goroutine performs the exited transition.
func (r *Registry) terminate(s *Session, p proc) {
	if p == nil {
		return
	}
	_ = p.Terminate()
	go func() {
		select {
		case <-s.Done():
		case <-time.After(killGracePeriod):
			_ = p.Kill()
		}
	}()
}

// pump reads process output continuously. Bytes go to the attached
// sink when present, or into the scrollback ring while orphaned. Both
// happen under the session lock, which is what makes the reattach
// replay byte-exact.
func (r *Registry) pump(s *Session) {
	defer close(s.pumpDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.mu.Lock()
			if s.sink != nil {
				s.sink.Output(s.ID, data)
			} else {
				s.scrollback.Write(data)
			}
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				r.logger.Debug("process read error", "id", s.ID, "err", err)
			}
			return
		}
	}
}

// wait blocks on process exit and performs the terminal transition.
// The attached client, if any, is notified; exits are never silent.
func (r *Registry) wait(s *Session) {
	// Drain before reaping: for pipe-backed sessions cmd.Wait closes
	// the stdout pipe, so calling it while the pump still has buffered
	// bytes to read would drop the process's final output. The pump
	// reads to EOF (the kernel delivers it once the child exits), then
	// the process is reaped.
	<-s.pumpDone
	code, _ := s.proc.Wait()

	s.mu.Lock()
	s.status = StatusExited
	s.exitCode = &code
	s.stopOrphanTimerLocked()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	close(s.done)

	if sink != nil {
		sink.Exited(s.ID, code)
	}
	r.logger.Info("session exited", "id", s.ID, "exitCode", code)
}
