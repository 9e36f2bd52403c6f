// Package executor runs the execution backend as a child process speaking
// newline-delimited JSON over stdin and stdout.
//
// The first stdin line is the Request. Follow-up inputs are written as
// {"type":"message","text":...} lines; closing stdin asks the process to
// finish. Every stdout line that decodes as an Output is forwarded; other
// lines are logged.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/user/dispatchclaw/internal/types"
)

// Status values carried by Output.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Request describes one dispatch.
type Request struct {
	RunID         types.RunID       `json:"runId,omitempty"`
	Prompt        string            `json:"prompt"`
	SessionID     string            `json:"sessionId,omitempty"`
	Folder        string            `json:"groupFolder"`
	ChatID        types.ChatID      `json:"chatJid"`
	IsMain        bool              `json:"isMain"`
	Isolated      bool              `json:"isolated,omitempty"`
	AssistantName string            `json:"assistantName,omitempty"`
	Env           map[string]string `json:"-"`
}

// Output is one event from the backend. The last event on the channel has
// Final set and carries the terminal status.
type Output struct {
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
	Final        bool   `json:"-"`
}

// Handle controls a running process.
type Handle interface {
	WriteInput(text string) error
	CloseInput() error
	Kill() error
	Done() <-chan struct{}
}

// Runner starts backend processes.
type Runner struct {
	Command   []string
	GroupsDir string
	DataDir   string
	Timeout   time.Duration
}

// NewRunner parses command with shell-style field splitting.
func NewRunner(command, groupsDir, dataDir string, timeout time.Duration) *Runner {
	return &Runner{
		Command:   strings.Fields(command),
		GroupsDir: groupsDir,
		DataDir:   dataDir,
		Timeout:   timeout,
	}
}

// Run starts the backend for req. register is called once with the live
// process before any output is delivered. The returned channel is closed
// when the process exits.
func (r *Runner) Run(ctx context.Context, req Request, register func(Handle)) (<-chan Output, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("no agent command configured")
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}

	workDir := filepath.Join(r.GroupsDir, req.Folder)
	if err := os.MkdirAll(filepath.Join(workDir, "logs"), 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create group dir: %w", err)
	}

	cmd := exec.CommandContext(runCtx, r.Command[0], r.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), r.env(req)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start agent: %w", err)
	}

	p := &Process{cmd: cmd, stdin: stdin, done: make(chan struct{})}
	if err := p.writeJSON(req); err != nil {
		slog.Warn("write initial request failed", "chat_id", string(req.ChatID), "error", err)
	}
	if register != nil {
		register(p)
	}

	out := make(chan Output, 16)
	go func() {
		defer cancel()
		defer close(p.done)
		defer close(out)

		sawError := false
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var o Output
			if err := json.Unmarshal([]byte(line), &o); err != nil || o.Status == "" {
				slog.Debug("agent output", "folder", req.Folder, "line", line)
				continue
			}
			if o.Status == StatusError {
				sawError = true
			}
			out <- o
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("read agent output failed", "folder", req.Folder, "error", err)
		}

		final := Output{Status: StatusSuccess, Final: true}
		if err := cmd.Wait(); err != nil {
			final.Status = StatusError
			final.Error = exitError(runCtx, err, stderr.String())
		} else if sawError {
			final.Status = StatusError
		}
		out <- final
	}()

	return out, nil
}

func (r *Runner) env(req Request) []string {
	env := []string{
		"DISPATCHCLAW_CHAT_JID=" + string(req.ChatID),
		"DISPATCHCLAW_GROUP_FOLDER=" + req.Folder,
		"DISPATCHCLAW_SESSION_DIR=" + filepath.Join(r.DataDir, "sessions", req.Folder),
	}
	if req.RunID != "" {
		env = append(env, "DISPATCHCLAW_RUN_ID="+string(req.RunID))
	}
	if req.IsMain {
		env = append(env, "DISPATCHCLAW_IS_MAIN=1")
	}
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func exitError(ctx context.Context, err error, stderr string) string {
	msg := err.Error()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "agent timed out: " + msg
	}
	if s := strings.TrimSpace(stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// Process is a running backend. It implements Handle.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	done  chan struct{}

	mu          sync.Mutex
	inputClosed bool
}

type inputLine struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WriteInput sends a follow-up message.
func (p *Process) WriteInput(text string) error {
	return p.writeJSON(inputLine{Type: "message", Text: text})
}

func (p *Process) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return errors.New("input closed")
	}
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// CloseInput closes stdin. Safe to call more than once.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inputClosed {
		return nil
	}
	p.inputClosed = true
	return p.stdin.Close()
}

// Kill terminates the process.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Done is closed once the process has exited and all output is delivered.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
