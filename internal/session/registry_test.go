package session

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perchhq/perch/internal/store"
)

func testRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r := NewRegistry(st, slog.Default(), opts)
	t.Cleanup(r.CloseAll)
	return r
}

// catSession spawns /bin/cat over pipes: whatever we write comes back,
// which makes output assertions deterministic.
func catSession(t *testing.T, r *Registry, params CreateParams) *Session {
	t.Helper()
	params.Kind = KindChat
	params.Command = exec.Command("/bin/cat")
	if params.WorkspaceID == "" {
		params.WorkspaceID = "ws1"
	}
	s, err := r.Create(params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

type recordingSink struct {
	mu         sync.Mutex
	output     bytes.Buffer
	scrollback [][]byte
	exitCode   *int
	detached   []string
}

func (s *recordingSink) Output(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.Write(data)
}

func (s *recordingSink) Scrollback(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollback = append(s.scrollback, append([]byte(nil), data...))
}

func (s *recordingSink) Exited(id string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

func (s *recordingSink) Detached(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, reason)
}

func (s *recordingSink) outputString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.String()
}

func (s *recordingSink) scrollbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scrollback)
}

func (s *recordingSink) scrollbackJoined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []byte
	for _, chunk := range s.scrollback {
		all = append(all, chunk...)
	}
	return string(all)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAttachFlushesScrollbackExactlyOnce(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{})

	// Output produced while unattached lands in the scrollback.
	if err := r.Input(s.ID, []byte("buffered\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.scrollback.Len() > 0
	})

	sink := &recordingSink{}
	if err := r.Attach(s.ID, sink, false, 0, 0, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if sink.scrollbackCount() != 1 {
		t.Fatalf("scrollback flushed %d times, want 1", sink.scrollbackCount())
	}
	if got := sink.scrollbackJoined(); got != "buffered\n" {
		t.Errorf("scrollback = %q, want %q", got, "buffered\n")
	}

	// New output while attached goes to the sink, not the ring.
	if err := r.Input(s.ID, []byte("live\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return sink.outputString() == "live\n" })
	if sink.scrollbackCount() != 1 {
		t.Errorf("extra scrollback flush after attach")
	}
}

func TestDetachThenReattachReplaysGap(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{})

	first := &recordingSink{}
	if err := r.Attach(s.ID, first, false, 0, 0, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	r.Detach(s.ID, first)
	if s.Status() != StatusOrphaned {
		t.Fatalf("status = %q, want orphaned", s.Status())
	}

	if err := r.Input(s.ID, []byte("missed\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.scrollback.Len() > 0
	})

	second := &recordingSink{}
	if err := r.Attach(s.ID, second, false, 0, 0, nil); err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if got := second.scrollbackJoined(); got != "missed\n" {
		t.Errorf("replay = %q, want %q", got, "missed\n")
	}
	if s.Status() != StatusRunning {
		t.Errorf("status after reattach = %q, want running", s.Status())
	}
	// First sink saw nothing from the gap.
	if first.outputString() != "" {
		t.Errorf("detached sink received output %q", first.outputString())
	}
}

func TestAttachConflictAndTakeover(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{})

	first := &recordingSink{}
	if err := r.Attach(s.ID, first, false, 0, 0, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	second := &recordingSink{}
	if err := r.Attach(s.ID, second, false, 0, 0, nil); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("conflicting attach err = %v, want ErrAlreadyAttached", err)
	}

	if err := r.Attach(s.ID, second, true, 0, 0, nil); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return len(first.detached) == 1 && first.detached[0] == "takeover"
	})

	// A detach from the displaced connection must not orphan the
	// session out from under the new one.
	r.Detach(s.ID, first)
	if s.Status() != StatusRunning {
		t.Errorf("stale detach changed status to %q", s.Status())
	}
}

func TestOrphanGraceExpiryTerminates(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: 50 * time.Millisecond})
	s := catSession(t, r, CreateParams{})

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session not torn down after grace expiry")
	}
	if s.Status() != StatusExited {
		t.Errorf("status = %q, want exited", s.Status())
	}

	sink := &recordingSink{}
	if err := r.Attach(s.ID, sink, false, 0, 0, nil); !errors.Is(err, ErrExited) {
		t.Errorf("attach after expiry err = %v, want ErrExited", err)
	}
}

func TestReattachCancelsOrphanTimer(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: 100 * time.Millisecond})
	s := catSession(t, r, CreateParams{})

	sink := &recordingSink{}
	if err := r.Attach(s.ID, sink, false, 0, 0, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if s.Status() != StatusRunning {
		t.Errorf("status = %q, want running (timer should be cancelled)", s.Status())
	}
}

func TestIdempotentCreate(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s1 := catSession(t, r, CreateParams{IdempotencyKey: "k1"})
	s2 := catSession(t, r, CreateParams{IdempotencyKey: "k1"})
	if s1.ID != s2.ID {
		t.Errorf("retried create spawned a new session: %s vs %s", s1.ID, s2.ID)
	}
	s3 := catSession(t, r, CreateParams{IdempotencyKey: "k2"})
	if s3.ID == s1.ID {
		t.Error("distinct key returned the same session")
	}
}

func TestSessionLimit(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute, MaxSessions: 2})
	catSession(t, r, CreateParams{})
	catSession(t, r, CreateParams{})
	_, err := r.Create(CreateParams{
		WorkspaceID: "ws1",
		Kind:        KindChat,
		Command:     exec.Command("/bin/cat"),
	})
	if !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err = %v, want ErrLimitReached", err)
	}
}

func TestLabelTooLong(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	long := make([]byte, MaxLabelLen+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err := r.Create(CreateParams{
		WorkspaceID: "ws1",
		Kind:        KindChat,
		Label:       string(long),
		Command:     exec.Command("/bin/cat"),
	})
	if !errors.Is(err, ErrLabelTooLong) {
		t.Fatalf("err = %v, want ErrLabelTooLong", err)
	}
	s := catSession(t, r, CreateParams{})
	if err := r.Rename(s.ID, string(long)); !errors.Is(err, ErrLabelTooLong) {
		t.Errorf("rename err = %v, want ErrLabelTooLong", err)
	}
}

func TestExitNotifiesSink(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{})
	sink := &recordingSink{}
	if err := r.Attach(s.ID, sink, false, 0, 0, nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Closing stdin makes cat exit 0.
	s.mu.Lock()
	p := s.proc.(*pipeProc)
	s.mu.Unlock()
	p.stdin.Close()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	waitFor(t, 2*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.exitCode != nil
	})
	if *sink.exitCode != 0 {
		t.Errorf("exit code = %d, want 0", *sink.exitCode)
	}

	if err := r.Input(s.ID, []byte("x")); !errors.Is(err, ErrExited) {
		t.Errorf("input after exit err = %v, want ErrExited", err)
	}
}

func TestCloseRemovesSessionAndTab(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{})

	if err := r.Close(s.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("session still present after close")
	}
	if err := r.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second close err = %v, want ErrNotFound", err)
	}
	infos := r.List("ws1")
	if len(infos) != 0 {
		t.Errorf("list returned %d sessions after close", len(infos))
	}
}

func TestRestorePlacesExitedPlaceholders(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	tab := &store.Tab{
		ID:          "s_restored",
		WorkspaceID: "ws1",
		Kind:        "terminal",
		Label:       "old shell",
		SortOrder:   3,
		CreatedAt:   time.Now(),
	}
	if err := st.InsertOrReplaceTab(tab); err != nil {
		t.Fatalf("insert tab: %v", err)
	}

	r := NewRegistry(st, slog.Default(), Options{})
	if err := r.Restore("ws1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	s, ok := r.Get("s_restored")
	if !ok {
		t.Fatal("restored session missing")
	}
	if s.Status() != StatusExited {
		t.Errorf("status = %q, want exited", s.Status())
	}
	if err := r.Attach(s.ID, &recordingSink{}, false, 0, 0, nil); !errors.Is(err, ErrExited) {
		t.Errorf("attach to placeholder err = %v, want ErrExited", err)
	}
}

func TestOnAttachedRunsBeforeScrollback(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})
	s := catSession(t, r, CreateParams{Label: "ordered"})

	sink := &recordingSink{}
	var gotInfo *Info
	err := r.Attach(s.ID, sink, false, 0, 0, func(info Info) {
		if sink.scrollbackCount() != 0 {
			t.Error("scrollback flushed before onAttached")
		}
		gotInfo = &info
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if gotInfo == nil {
		t.Fatal("onAttached not invoked")
	}
	if gotInfo.Label != "ordered" || gotInfo.Status != StatusRunning {
		t.Errorf("info = %+v", gotInfo)
	}
}

func TestFinalOutputSurvivesFastExit(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})

	// A process that writes and exits immediately: its last bytes must
	// land in the scrollback before the exited transition, every time.
	for i := 0; i < 50; i++ {
		s, err := r.Create(CreateParams{
			WorkspaceID: "ws1",
			Kind:        KindChat,
			Command:     exec.Command("/bin/echo", "final-bytes"),
		})
		if err != nil {
			t.Fatalf("iteration %d: create: %v", i, err)
		}
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: process did not exit", i)
		}

		s.mu.Lock()
		got := string(s.scrollback.Bytes())
		s.mu.Unlock()
		if !strings.Contains(got, "final-bytes") {
			t.Fatalf("iteration %d: final output lost, scrollback=%q", i, got)
		}
		if err := r.Close(s.ID); err != nil {
			t.Fatalf("iteration %d: close: %v", i, err)
		}
	}
}

func TestConcurrentCreatesShareIdempotencyKey(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("task-%d", i)
		var wg sync.WaitGroup
		ids := make([]string, 2)
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				s, err := r.Create(CreateParams{
					WorkspaceID:    "ws1",
					Kind:           KindChat,
					Command:        exec.Command("/bin/cat"),
					IdempotencyKey: key,
				})
				if err != nil {
					errs[j] = err
					return
				}
				ids[j] = s.ID
			}(j)
		}
		wg.Wait()

		for j := range errs {
			if errs[j] != nil {
				t.Fatalf("key %s: create %d: %v", key, j, errs[j])
			}
		}
		if ids[0] != ids[1] {
			t.Fatalf("key %s produced distinct sessions: %s vs %s", key, ids[0], ids[1])
		}
		if err := r.Close(ids[0]); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
}

func TestFailedCreateReleasesIdempotencyKey(t *testing.T) {
	r := testRegistry(t, Options{OrphanGrace: time.Minute})

	_, err := r.Create(CreateParams{
		WorkspaceID:    "ws1",
		Kind:           KindChat,
		Command:        exec.Command("/nonexistent/agent-binary"),
		IdempotencyKey: "k-retry",
	})
	if err == nil {
		t.Fatal("expected spawn failure")
	}

	// The key must be free for the caller's retry.
	s := catSession(t, r, CreateParams{IdempotencyKey: "k-retry"})
	if s.Status() == StatusExited {
		t.Errorf("retried create returned a dead session")
	}
}
