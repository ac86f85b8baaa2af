// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"
)

// ProcessConfig configures the subprocess supervisor.
type ProcessConfig struct {
	Command    string   // agent CLI binary
	Args       []string // base args (e.g. stream-json flags)
	UsePTY     bool     // legacy mode: raw terminal bytes instead of NDJSON events
	JournalDir string   // per-session event journals
}

// Supervisor is the default Client implementation. It runs the agent CLI as a
// supervised subprocess per run and translates its NDJSON stream into Events.
type Supervisor struct {
	mu       sync.Mutex
	cfg      ProcessConfig
	procs    map[string]*proc  // run ID -> live process
	sessions map[string]string // run ID -> session ID, survives process exit
}

type proc struct {
	runID      string
	sessionID  string
	gen        int
	pid        int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdinMu    sync.Mutex
	cancel     context.CancelFunc
	events     chan Event
	output     chan []byte
	notices    chan Event
	stderrDone chan struct{}
	journal    *Journal

	// stopRequested records that the exit about to happen was asked for, so
	// the read loop reports it as a clean termination.
	stopRequested bool
}

var _ Client = (*Supervisor)(nil)

// NewSupervisor creates a subprocess supervisor.
func NewSupervisor(cfg ProcessConfig) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		procs:    make(map[string]*proc),
		sessions: make(map[string]string),
	}
}

// Spawn starts a fresh session process.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	args := append([]string{}, s.cfg.Args...)
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.PermissionMode != "" {
		args = append(args, "--permission-mode", req.PermissionMode)
	}
	h, err := s.start(ctx, runID, req.CWD, args)
	if err != nil {
		return Handle{}, err
	}
	if req.Prompt != "" {
		msg := UserMessage{Text: req.Prompt, Attachments: req.Attachments}
		if err := s.Send(ctx, runID, msg); err != nil {
			return Handle{}, err
		}
	}
	return h, nil
}

// Continue opens a fresh stream against an existing session without
// duplicating it.
func (s *Supervisor) Continue(ctx context.Context, runID, sessionID string) (Handle, error) {
	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--continue", sessionID)
	return s.start(ctx, runID, "", args)
}

// Resume starts a new process bound to the same session ID, replaying
// backend-side history.
func (s *Supervisor) Resume(ctx context.Context, runID, sessionID string) (Handle, error) {
	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--resume", sessionID)
	return s.start(ctx, runID, "", args)
}

// Fork duplicates the source session via a oneshot invocation. No stream is
// opened for the new run.
func (s *Supervisor) Fork(ctx context.Context, sourceSessionID string) (Handle, error) {
	args := append([]string{}, s.cfg.Args...)
	args = append(args, "--fork", sourceSessionID)
	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	out, err := cmd.Output()
	if err != nil {
		return Handle{}, fmt.Errorf("fork %s: %w", sourceSessionID, err)
	}
	// The oneshot prints a single JSON line identifying the duplicate.
	var res struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return Handle{}, fmt.Errorf("fork %s: parse result: %w", sourceSessionID, err)
	}
	if res.SessionID == "" {
		return Handle{}, fmt.Errorf("fork %s: no session id in result", sourceSessionID)
	}

	runID := uuid.New().String()
	s.mu.Lock()
	s.sessions[runID] = res.SessionID
	s.mu.Unlock()
	return Handle{RunID: runID, SessionID: res.SessionID}, nil
}

// start launches the process for a run and begins its read loops.
func (s *Supervisor) start(ctx context.Context, runID, workDir string, args []string) (Handle, error) {
	s.mu.Lock()
	if existing, ok := s.procs[runID]; ok && existing.pid != 0 {
		s.mu.Unlock()
		return Handle{RunID: runID, SessionID: existing.sessionID}, nil
	}
	gen := 0
	if prev, ok := s.procs[runID]; ok {
		gen = prev.gen
	}
	gen++
	sessionID := s.sessions[runID]
	s.mu.Unlock()

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cmdCtx, s.cfg.Command, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}

	p := &proc{
		runID:      runID,
		sessionID:  sessionID,
		gen:        gen,
		cmd:        cmd,
		cancel:     cancel,
		events:     make(chan Event, 100),
		output:     make(chan []byte, 100),
		notices:    make(chan Event, 100),
		stderrDone: make(chan struct{}),
	}

	if s.cfg.UsePTY {
		// Legacy mode: the process writes raw terminal bytes, no NDJSON.
		tty, err := pty.Start(cmd)
		if err != nil {
			cancel()
			return Handle{}, fmt.Errorf("start %s (pty): %w", s.cfg.Command, err)
		}
		p.pid = cmd.Process.Pid
		p.stdin = tty
		s.register(p)
		go s.byteLoop(p, tty)
		return Handle{RunID: runID, SessionID: sessionID}, nil
	}

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return Handle{}, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return Handle{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return Handle{}, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return Handle{}, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	p.pid = cmd.Process.Pid
	p.stdin = stdinPipe
	s.register(p)
	go s.readLoop(p, stdoutPipe, gen)
	go s.stderrLoop(p, stderrPipe)

	return Handle{RunID: runID, SessionID: sessionID}, nil
}

func (s *Supervisor) register(p *proc) {
	s.mu.Lock()
	s.procs[p.runID] = p
	s.mu.Unlock()
}

// readLoop reads NDJSON events from the process stdout continuously.
func (s *Supervisor) readLoop(p *proc, stdout io.Reader, gen int) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	sawResult := false
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Printf("backend: failed to parse NDJSON: %v", err)
			continue
		}
		if ev.RunID == "" {
			ev.RunID = p.runID
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}

		// Capture the session ID once the backend confirms it.
		if ev.SessionID != "" && !ev.IsError {
			s.mu.Lock()
			if s.sessions[p.runID] != ev.SessionID {
				s.sessions[p.runID] = ev.SessionID
				p.sessionID = ev.SessionID
				p.journal = nil // reopen under the confirmed session ID
			}
			s.mu.Unlock()
		}
		if ev.Kind == EventResult {
			sawResult = true
		}

		s.journalAppend(p, ev)

		if ev.Kind == EventStderr {
			send(p.notices, ev)
		} else {
			send(p.events, ev)
		}
	}

	// Stderr must be fully drained before Wait closes the pipes and before
	// the notices channel is closed.
	<-p.stderrDone
	p.cmd.Wait()

	s.mu.Lock()
	current := s.procs[p.runID] == p && p.gen == gen
	requested := p.stopRequested
	if current {
		p.pid = 0
		p.stdin = nil
	}
	s.mu.Unlock()
	if !current {
		// A newer process was started for this run; leave its channels alone.
		return
	}

	if !sawResult {
		// The process exited without reporting a result. Emit one so the
		// store never waits forever: clean for a requested stop, an error
		// otherwise.
		ev := Event{
			Kind:      EventResult,
			RunID:     p.runID,
			Timestamp: time.Now(),
		}
		if !requested {
			ev.IsError = true
			ev.ErrorSubtype = "process_exit"
			ev.ErrorText = "backend process exited unexpectedly"
		}
		s.journalAppend(p, ev)
		send(p.events, ev)
	}
	close(p.events)
	close(p.notices)
	close(p.output)
}

// stderrLoop forwards stderr lines as out-of-band events.
func (s *Supervisor) stderrLoop(p *proc, stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		send(p.notices, Event{
			Kind:      EventStderr,
			RunID:     p.runID,
			Timestamp: time.Now(),
			Text:      text,
		})
	}
}

// byteLoop reads raw terminal output in PTY mode.
func (s *Supervisor) byteLoop(p *proc, tty io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := tty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.output <- chunk:
			default:
				// Drop if the consumer is not keeping up
			}
		}
		if err != nil {
			break
		}
	}
	p.cmd.Wait()

	s.mu.Lock()
	if s.procs[p.runID] == p {
		p.pid = 0
		p.stdin = nil
	}
	s.mu.Unlock()
	close(p.events)
	close(p.notices)
	close(p.output)
}

func (s *Supervisor) journalAppend(p *proc, ev Event) {
	if s.cfg.JournalDir == "" {
		return
	}
	s.mu.Lock()
	if p.journal == nil {
		sid := p.sessionID
		if sid == "" {
			sid = p.runID
		}
		p.journal = NewJournal(s.cfg.JournalDir, sid)
	}
	j := p.journal
	s.mu.Unlock()
	if err := j.Append(ev); err != nil {
		log.Printf("backend [%s]: journal append: %v", p.runID, err)
	}
}

func send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		log.Printf("backend [%s]: dropped %s - subscriber buffer full", ev.RunID, ev.Kind)
	}
}

// Send writes a user message to the run's stdin.
func (s *Supervisor) Send(ctx context.Context, runID string, msg UserMessage) error {
	s.mu.Lock()
	p := s.procs[runID]
	sid := s.sessions[runID]
	s.mu.Unlock()
	if err := s.writeStdin(runID, controlMessage{
		Kind:        "user",
		SessionID:   sid,
		Text:        msg.Text,
		Attachments: msg.Attachments,
	}); err != nil {
		return err
	}
	// Stdin traffic never echoes back on stdout, so the user message must be
	// journaled here or History would replay a conversation with no user
	// entries.
	if p != nil {
		s.journalAppend(p, Event{
			Kind:        EventUserText,
			RunID:       runID,
			SessionID:   sid,
			Timestamp:   time.Now(),
			Text:        msg.Text,
			Attachments: msg.Attachments,
		})
	}
	return nil
}

// Interrupt asks the run to abort its current turn.
func (s *Supervisor) Interrupt(ctx context.Context, runID string) error {
	return s.writeStdin(runID, controlMessage{Kind: "interrupt"})
}

// Stop kills the run's process. The kill is recorded as intentional so the
// read loop does not report the exit as a failure.
func (s *Supervisor) Stop(ctx context.Context, runID string) error {
	s.mu.Lock()
	p, ok := s.procs[runID]
	if ok {
		p.stopRequested = true
	}
	alive := ok && p.pid != 0
	s.mu.Unlock()
	if !alive {
		return ErrNotRunning
	}
	p.cancel()
	return nil
}

// SetPermissionMode hot-switches the run's permission mode.
func (s *Supervisor) SetPermissionMode(ctx context.Context, runID, mode string) error {
	return s.writeStdin(runID, controlMessage{Kind: "set_permission_mode", Mode: mode})
}

// SetModel hot-switches the run's model.
func (s *Supervisor) SetModel(ctx context.Context, runID, model string) error {
	return s.writeStdin(runID, controlMessage{Kind: "set_model", Model: model})
}

func (s *Supervisor) writeStdin(runID string, msg controlMessage) error {
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}

	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	s.mu.Lock()
	stdin := p.stdin
	s.mu.Unlock()
	if stdin == nil {
		return ErrNotRunning
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

// Alive reports whether the run's process handle still exists in the OS
// process table.
func (s *Supervisor) Alive(runID string) bool {
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok || p.pid == 0 {
		return false
	}
	proc, err := ps.FindProcess(p.pid)
	return err == nil && proc != nil
}

// History loads the recorded event journal for a session.
func (s *Supervisor) History(ctx context.Context, sessionID string) ([]Event, error) {
	if s.cfg.JournalDir == "" {
		return nil, nil
	}
	return NewJournal(s.cfg.JournalDir, sessionID).Load()
}

// Events returns the streaming event channel for a run.
func (s *Supervisor) Events(runID string) (<-chan Event, error) {
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	return p.events, nil
}

// Output returns the raw terminal byte channel for a PTY-mode run.
func (s *Supervisor) Output(runID string) (<-chan []byte, error) {
	if !s.cfg.UsePTY {
		return nil, ErrNotRunning
	}
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	return p.output, nil
}

// Notices returns the out-of-band event channel for a run.
func (s *Supervisor) Notices(runID string) (<-chan Event, error) {
	s.mu.Lock()
	p, ok := s.procs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	return p.notices, nil
}

// EventLogPath returns the journal path for a run's session.
func (s *Supervisor) EventLogPath(runID string) string {
	if s.cfg.JournalDir == "" {
		return ""
	}
	s.mu.Lock()
	sid := s.sessions[runID]
	s.mu.Unlock()
	if sid == "" {
		sid = runID
	}
	return NewJournal(s.cfg.JournalDir, sid).Path()
}

// Shutdown kills all running processes.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.cancel != nil {
			p.cancel()
		}
	}
}
