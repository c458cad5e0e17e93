package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/popmelt/core-sub002/internal/common/logger"
)

// ErrCancelled is the fixed error Wait returns when the subprocess was
// terminated by an operator-initiated Cancel rather than exiting on its own
// (spec.md §4.6: "a cancel signal produces success=false with a fixed
// 'Cancelled by user' message").
var ErrCancelled = errors.New("Cancelled by user")

// lineHandler turns one line of subprocess stdout into zero or more
// normalized events, recording outcome state as it goes (session id, tools
// used). It returns the final Outcome, with the response text taken from the
// turn's final message, once it has seen enough to consider the turn
// complete, or nil otherwise.
type lineHandler func(line []byte, events chan<- Event) *Outcome

// processHandle runs one CLI subprocess and feeds its stdout, line by line,
// through a protocol-specific lineHandler. This is the shared machinery
// behind the Claude and Codex adapters (the Copilot adapter goes through
// the SDK instead), grounded on the teacher's CLI clients'
// bufio.Scanner read loops (pkg/claudecode/client.go, pkg/codex/client.go).
type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	log    *logger.Logger

	mu        sync.Mutex
	outcome   *Outcome
	waitErr   error
	waitOnce  sync.Once
	waitDone  chan struct{}
	cancelled bool
}

func startProcess(ctx context.Context, name string, args []string, workingDir string, log *logger.Logger, handle lineHandler) (*processHandle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("supervisor: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	ph := &processHandle{
		cmd:      cmd,
		stdin:    stdin,
		events:   make(chan Event, 64),
		log:      log.WithFields(zap.String("adapter", name)),
		waitDone: make(chan struct{}),
	}

	go ph.readLoop(stdout, handle)
	return ph, nil
}

func (p *processHandle) readLoop(stdout io.Reader, handle lineHandler) {
	defer close(p.events)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if outcome := handle(line, p.events); outcome != nil {
			p.mu.Lock()
			p.outcome = outcome
			p.mu.Unlock()
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("subprocess read loop error", zap.Error(err))
	}

	p.waitErr = p.cmd.Wait()
	close(p.waitDone)
}

func (p *processHandle) write(data []byte) error {
	data = append(data, '\n')
	_, err := p.stdin.Write(data)
	return err
}

// Events implements supervisor.Handle.
func (p *processHandle) Events() <-chan Event {
	return p.events
}

// Cancel implements supervisor.Handle. It marks the turn as
// operator-cancelled before sending the terminate signal, so Wait can
// distinguish this from a genuine CLI failure once the process exits.
func (p *processHandle) Cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Wait implements supervisor.Handle.
func (p *processHandle) Wait() (*Outcome, error) {
	<-p.waitDone

	p.mu.Lock()
	outcome := p.outcome
	cancelled := p.cancelled
	p.mu.Unlock()

	if cancelled {
		return nil, ErrCancelled
	}
	if p.waitErr != nil {
		return nil, fmt.Errorf("supervisor: subprocess exited: %w", p.waitErr)
	}
	if outcome == nil {
		return nil, fmt.Errorf("supervisor: subprocess exited without a final response")
	}
	return outcome, nil
}
