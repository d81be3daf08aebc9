package mcpinvoker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/pkg/models"
)

const (
	stdioStartupTimeout = 20 * time.Second
	stdioDefaultTimeout = 60 * time.Second
)

// rpcFrame is one newline-delimited JSON-RPC 2.0 frame read from the child's stdout.
type rpcFrame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// STDIOInvoker owns one persistent child process speaking JSON-RPC 2.0 over
// newline-delimited stdin/stdout frames. Never shared across runs.
type STDIOInvoker struct {
	integ *models.Integration

	mu       sync.Mutex // guards process lifecycle and stdin writes (frame serialization)
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	respCh   chan rpcFrame
	readyCh  chan string
	exited   chan struct{}
	started  bool
	pending  map[string]chan rpcFrame
	pendingM sync.Mutex
}

// NewSTDIOInvoker builds an Invoker bound to integ's STDIO transport snapshot. The
// child process is not spawned until the first CallTool.
func NewSTDIOInvoker(integ *models.Integration) *STDIOInvoker {
	return &STDIOInvoker{integ: integ, pending: make(map[string]chan rpcFrame)}
}

// ensureConnected spawns the child process if it is not already running (or was
// restarted after exit, when restart_on_exit is set).
func (s *STDIOInvoker) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started && !s.processExited() {
		return nil
	}
	if s.started && !s.integ.Transport.RestartOnExit {
		return &apierr.ProcessExited{Tool: s.integ.IntegrationID, Err: fmt.Errorf("restart_on_exit is false")}
	}
	return s.spawnLocked(ctx)
}

func (s *STDIOInvoker) processExited() bool {
	return s.cmd == nil || (s.cmd.ProcessState != nil && s.cmd.ProcessState.Exited())
}

func (s *STDIOInvoker) spawnLocked(ctx context.Context) error {
	t := s.integ.Transport

	env := os.Environ()
	for k, v := range t.Env {
		env = append(env, k+"="+v)
	}
	for envKey, alias := range t.EnvAliases {
		if val := os.Getenv(alias); val != "" {
			env = append(env, envKey+"="+val)
		}
	}

	cmd := exec.Command(t.Command, t.Args...)
	cmd.Dir = t.Cwd
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: err}
	}

	s.cmd = cmd
	s.stdin = stdin
	s.respCh = make(chan rpcFrame, 32)
	s.readyCh = make(chan string, 8)
	s.exited = make(chan struct{})
	s.started = true

	go s.readStdout(stdout)
	go drainStderr(stderr)
	go s.dispatchResponses()
	go s.monitorExit()

	if t.ReadinessRegex != "" {
		if err := s.waitForReady(t.ReadinessRegex); err != nil {
			_ = s.stopLocked()
			return err
		}
	}
	return nil
}

// readStdout scans newline-delimited frames, fanning each line out to both the
// readiness matcher and the response dispatcher (mirroring the dual-queue reader: a
// readiness signal and a JSON-RPC reply can both arrive on the same stream).
func (s *STDIOInvoker) readStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case s.readyCh <- line:
		default:
		}
		var frame rpcFrame
		if json.Unmarshal([]byte(line), &frame) == nil && frame.ID != "" {
			s.respCh <- frame
		}
	}
	close(s.exited)
}

func drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		_ = scanner.Text() // child logs; surfaced via telemetry in a fuller build
	}
}

func (s *STDIOInvoker) dispatchResponses() {
	for frame := range s.respCh {
		s.pendingM.Lock()
		ch, ok := s.pending[frame.ID]
		if ok {
			delete(s.pending, frame.ID)
		}
		s.pendingM.Unlock()
		if ok {
			ch <- frame
		}
	}
}

func (s *STDIOInvoker) monitorExit() {
	_ = s.cmd.Wait()
}

func (s *STDIOInvoker) waitForReady(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return &apierr.Internal{Cause: err}
	}
	deadline := time.After(stdioStartupTimeout)
	for {
		select {
		case line := <-s.readyCh:
			if re.MatchString(line) {
				return nil
			}
		case <-deadline:
			return &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: fmt.Errorf("readiness timed out after %s", stdioStartupTimeout)}
		case <-s.exited:
			return &apierr.ProcessExited{Tool: s.integ.IntegrationID, Err: fmt.Errorf("process exited before becoming ready")}
		}
	}
}

// CallTool sanitizes and interpolates args, writes a JSON-RPC 2.0 frame to the child's
// stdin under the write mutex, and waits for the matching id on the response channel.
func (s *STDIOInvoker) CallTool(ctx context.Context, tool string, args map[string]any, opts CallOptions) (map[string]any, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	schema := resolveSchema(s.integ, tool)
	clean := Sanitize(args, schema)
	clean = InterpolateArgs(clean, vars(opts))

	reqID := uuid.NewString()
	frame := map[string]any{"jsonrpc": "2.0", "id": reqID, "method": tool, "params": clean}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, &apierr.Internal{Cause: err}
	}

	replyCh := make(chan rpcFrame, 1)
	s.pendingM.Lock()
	s.pending[reqID] = replyCh
	s.pendingM.Unlock()

	s.mu.Lock()
	_, writeErr := s.stdin.Write(append(raw, '\n'))
	s.mu.Unlock()
	if writeErr != nil {
		s.pendingM.Lock()
		delete(s.pending, reqID)
		s.pendingM.Unlock()
		return nil, &apierr.ConnectFailure{Target: s.integ.IntegrationID, Cause: writeErr}
	}

	timeout := stdioDefaultTimeout
	if opts.TimeoutSec > 0 {
		timeout = time.Duration(opts.TimeoutSec) * time.Second
	}

	select {
	case reply := <-replyCh:
		if reply.Error != nil {
			return nil, &apierr.ToolError{Tool: tool, Code: reply.Error.Code, Message: reply.Error.Message, Data: reply.Error.Data}
		}
		var result map[string]any
		if len(reply.Result) > 0 {
			_ = json.Unmarshal(reply.Result, &result)
		}
		return result, nil
	case <-time.After(timeout):
		s.pendingM.Lock()
		delete(s.pending, reqID)
		s.pendingM.Unlock()
		return nil, &apierr.TransportTimeout{Tool: tool}
	case <-s.exited:
		return nil, &apierr.ProcessExited{Tool: s.integ.IntegrationID, Err: fmt.Errorf("process exited while %s was pending", tool)}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements the graceful-then-forced shutdown: close stdin, wait kill_timeout,
// then SIGKILL.
func (s *STDIOInvoker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *STDIOInvoker) stopLocked() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	killTimeout := time.Duration(s.integ.Transport.KillTimeoutSec) * time.Second
	if killTimeout <= 0 {
		killTimeout = 10 * time.Second
	}

	// monitorExit owns the single Wait() call for this process; wait for the stdout
	// reader's EOF signal (s.exited) rather than calling Wait() a second time here.
	select {
	case <-s.exited:
	case <-time.After(killTimeout):
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
	s.started = false
	return nil
}
