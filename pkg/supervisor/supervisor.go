// Package supervisor owns one worker child process per run: it spawns the
// process, writes the start frame, pumps its outbound frames, enforces a
// wall-clock deadline, and terminates it on demand.
//
// A supervisor moves starting → live → dead(reason) and commits to exactly
// one dead reason — the first of worker terminal message, child exit,
// timeout or stop wins; later causes are ignored. The supervisor never
// touches the run store or the event bus: it reports on a single parent
// channel that the orchestrator owns, and closes that channel after the one
// Dead event.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/worker"
)

// DeadReason is the single committed cause of a supervisor's death.
type DeadReason string

// Dead reasons.
const (
	// ReasonWorkerTerminal: the child sent its terminal frame (complete or
	// error) and exited.
	ReasonWorkerTerminal DeadReason = "worker_terminal"

	// ReasonExitNonzero: the child exited non-zero without a terminal frame.
	ReasonExitNonzero DeadReason = "exit_nonzero"

	// ReasonExitZeroWithoutTerminal: the child exited zero without a
	// terminal frame. Still a failure — the protocol requires an explicit
	// terminal payload.
	ReasonExitZeroWithoutTerminal DeadReason = "exit_zero_without_terminal"

	// ReasonTimeout: the wall-clock deadline expired.
	ReasonTimeout DeadReason = "timeout"

	// ReasonStopRequested: Stop was called.
	ReasonStopRequested DeadReason = "stop_requested"

	// ReasonSpawnFailed: the child process could not be started.
	ReasonSpawnFailed DeadReason = "spawn_failed"
)

// EventType discriminates supervisor events.
type EventType string

// Event types.
const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventDead     EventType = "dead"
)

// Dead carries the committed reason and, if the child sent one, its
// terminal payload.
type Dead struct {
	Reason DeadReason

	// Complete is set when the child's terminal frame was a complete.
	Complete *worker.Complete

	// WorkerError is set when the child's terminal frame was an error.
	WorkerError *worker.Error

	// Err is the supervisor-side cause (spawn or exit error), if any.
	Err error
}

// Event is one message on the parent channel. Exactly one payload is set,
// matching Type. The Dead event is always last, then the channel closes.
type Event struct {
	Type     EventType
	RunID    string
	Progress *models.ProgressMetrics
	Log      *worker.Log
	Dead     *Dead
}

// Config holds per-supervisor settings.
type Config struct {
	// Command is the argv used to spawn the worker process.
	Command []string

	// Timeout is the wall-clock deadline measured from spawn.
	Timeout time.Duration

	// KillGrace is how long the child gets to exit after SIGTERM (or
	// after its own terminal frame) before SIGKILL.
	KillGrace time.Duration
}

// Supervisor supervises a single worker child process.
type Supervisor struct {
	runID string
	spec  models.ResolvedSpec
	cfg   Config

	events chan Event

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a supervisor for one run. Call Start to spawn the child.
func New(runID string, spec models.ResolvedSpec, cfg Config) *Supervisor {
	return &Supervisor{
		runID:  runID,
		spec:   spec,
		cfg:    cfg,
		events: make(chan Event, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events returns the parent channel. Single consumer; closed after Dead.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Done is closed once the supervisor is dead and the parent channel closed.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// RunID returns the supervised run's id.
func (s *Supervisor) RunID() string { return s.runID }

// Stop requests termination. Idempotent, non-blocking; the supervisor is
// dead once Done is closed.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Start spawns the worker and runs the supervision loop in a goroutine.
// Context cancellation is treated like Stop.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
}

// run is the supervision loop. It is the only goroutine that sends on the
// parent channel.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	log := slog.With("run_id", s.runID)

	proc, err := s.spawn()
	if err != nil {
		log.Error("Worker spawn failed", "error", err)
		s.events <- Event{Type: EventDead, RunID: s.runID, Dead: &Dead{Reason: ReasonSpawnFailed, Err: err}}
		return
	}
	log.Info("Worker spawned", "pid", proc.cmd.Process.Pid)

	deadline := time.NewTimer(s.cfg.Timeout)
	defer deadline.Stop()

	// killTimer fires KillGrace after the termination sequence starts.
	// Initialized stopped; armed on commit.
	killTimer := time.NewTimer(time.Hour)
	killTimer.Stop()
	defer killTimer.Stop()

	var (
		committed DeadReason
		dead      Dead
		frames    = proc.frames
		stderrCh  = proc.stderr
		stopCh    = s.stopCh
		ctxDone   = ctx.Done()
	)

	commit := func(reason DeadReason, graceful bool) {
		if committed != "" {
			return
		}
		committed = reason
		dead.Reason = reason
		deadline.Stop()
		if !graceful {
			proc.signalTerm(log)
		}
		killTimer.Reset(s.cfg.KillGrace)
	}

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				frames = nil // stdout closed; exit is imminent
				continue
			}
			s.handleFrame(log, msg, &dead, commit)

		case line, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				continue
			}
			now := time.Now().Format(time.RFC3339Nano)
			s.events <- Event{Type: EventLog, RunID: s.runID,
				Log: &worker.Log{Message: line, Timestamp: now}}

		case <-stopCh:
			stopCh = nil
			log.Info("Stop requested, terminating worker")
			commit(ReasonStopRequested, false)

		case <-ctxDone:
			ctxDone = nil
			log.Info("Context cancelled, terminating worker")
			commit(ReasonStopRequested, false)

		case <-deadline.C:
			log.Warn("Worker deadline expired, terminating", "timeout", s.cfg.Timeout)
			commit(ReasonTimeout, false)

		case <-killTimer.C:
			log.Warn("Kill grace expired, force-killing worker")
			proc.kill(log)

		case exitErr := <-proc.exit:
			s.finish(log, exitErr, committed, &dead)
			return
		}
	}
}

// handleFrame translates one worker frame into parent events or a terminal
// commitment.
func (s *Supervisor) handleFrame(log *slog.Logger, msg worker.Message, dead *Dead, commit func(DeadReason, bool)) {
	if dead.Reason != "" {
		log.Warn("Ignoring worker frame after commit", "type", msg.Type)
		return
	}
	switch msg.Type {
	case worker.TypeProgress:
		s.events <- Event{Type: EventProgress, RunID: s.runID, Progress: msg.Progress}
	case worker.TypeLog:
		s.events <- Event{Type: EventLog, RunID: s.runID, Log: msg.Log}
	case worker.TypeComplete:
		dead.Complete = msg.Complete
		commit(ReasonWorkerTerminal, true)
	case worker.TypeError:
		dead.WorkerError = msg.Error
		commit(ReasonWorkerTerminal, true)
	}
}

// finish resolves the final dead reason once the child is confirmed gone
// and emits the Dead event.
func (s *Supervisor) finish(log *slog.Logger, exitErr error, committed DeadReason, dead *Dead) {
	switch {
	case committed != "":
		// Reason was fixed before exit (terminal frame, stop or timeout).
		dead.Err = exitErr
	case exitErr != nil:
		dead.Reason = ReasonExitNonzero
		dead.Err = exitErr
	default:
		dead.Reason = ReasonExitZeroWithoutTerminal
	}

	log.Info("Worker dead", "reason", dead.Reason, "exit_error", exitErr)
	s.events <- Event{Type: EventDead, RunID: s.runID, Dead: dead}
}

// process bundles the child process with its pumped output channels.
type process struct {
	cmd    *exec.Cmd
	frames chan worker.Message
	stderr chan string
	exit   chan error
}

// spawn starts the child, writes the start frame, and begins pumping
// stdout frames and stderr lines.
func (s *Supervisor) spawn() (*process, error) {
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	proc := &process{
		cmd:    cmd,
		frames: make(chan worker.Message, 64),
		stderr: make(chan string, 64),
		exit:   make(chan error, 1),
	}

	// Send the single start frame, then close stdin so the child sees EOF.
	go func() {
		enc := worker.NewEncoder(stdin)
		if err := enc.EncodeStart(s.spec); err != nil {
			slog.Warn("Failed to write start frame", "run_id", s.runID, "error", err)
		}
		_ = stdin.Close()
	}()

	var readers sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		defer close(proc.frames)
		dec := worker.NewDecoder(stdout)
		for {
			msg, err := dec.Decode()
			if err != nil {
				if err != io.EOF {
					slog.Warn("Worker frame decode error", "run_id", s.runID, "error", err)
				}
				return
			}
			proc.frames <- msg
		}
	}()

	readers.Add(1)
	go func() {
		defer readers.Done()
		defer close(proc.stderr)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			proc.stderr <- scanner.Text()
		}
	}()

	// Wait must run only after the pipe readers are done.
	go func() {
		readers.Wait()
		proc.exit <- cmd.Wait()
	}()

	return proc, nil
}

// signalTerm asks the child to exit.
func (p *process) signalTerm(log *slog.Logger) {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Warn("SIGTERM failed", "error", err)
	}
}

// kill force-kills the child.
func (p *process) kill(log *slog.Logger) {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil {
		log.Warn("SIGKILL failed", "error", err)
	}
}
