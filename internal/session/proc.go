package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// proc is the process handle exclusively owned by a session's pump
// goroutine. Terminals are PTY-backed; chat (agent-protocol) sessions
// run on plain stdio pipes.
type proc interface {
	io.Reader
	io.Writer
	Resize(cols, rows uint16) error
	Terminate() error
	Kill() error
	Wait() (int, error)
	Pid() int
}

// ptyProc wraps a shell running under a pseudo-terminal.
type ptyProc struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func startShell(shell, dir string, cols, rows uint16) (*ptyProc, error) {
	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}
	return &ptyProc{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProc) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProc) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProc) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *ptyProc) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ptyProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProc) Wait() (int, error) {
	err := p.cmd.Wait()
	p.ptmx.Close()
	return exitCode(err), err
}

func (p *ptyProc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// pipeProc wraps an agent subprocess speaking NDJSON over stdio.
type pipeProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func startPipes(cmd *exec.Cmd) (*pipeProc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	return &pipeProc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *pipeProc) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeProc) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Resize is a no-op for pipe-backed sessions.
func (p *pipeProc) Resize(cols, rows uint16) error { return nil }

func (p *pipeProc) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *pipeProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *pipeProc) Wait() (int, error) {
	err := p.cmd.Wait()
	p.stdin.Close()
	return exitCode(err), err
}

func (p *pipeProc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// processCwd resolves a process's current working directory via
// /proc. Best-effort: returns fallback on platforms or processes
// where the link cannot be read.
func processCwd(pid int, fallback string) string {
	if pid <= 0 {
		return fallback
	}
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	if err != nil {
		return fallback
	}
	return cwd
}
