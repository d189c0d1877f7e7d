// Package supervisor owns the lifecycle of the three named worker
// processes: spawn, health check, crash-restart with backoff, and
// request/response correlation over newline-delimited JSON on stdin/stdout.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ktr0328/orchestrator-core/internal/envelope"
	"github.com/ktr0328/orchestrator-core/pkg/logging"
	"github.com/ktr0328/orchestrator-core/pkg/metrics"
)

// backoffTableMs is the crash-restart delay table, clamped to the last
// entry.
var backoffTableMs = []int{500, 1000, 2000, 5000, 10000}

// SpawnConfig describes how to launch one worker's process.
type SpawnConfig struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
}

// EventSink receives fan-out events emitted by any worker.
type EventSink interface {
	Publish(worker envelope.Worker, evt envelope.EventEnvelope)
}

type pendingEntry struct {
	startedAt time.Time
	traceID   string
	resultCh  chan envelope.Normalized
}

type workerState struct {
	mu         sync.Mutex
	worker     envelope.Worker
	config     SpawnConfig
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	healthy    bool
	stopping   bool
	restarting bool
	crashCount int
	startedAt  time.Time
	restartC   *time.Timer

	// transcribing counts in-flight transcription requests; reset on exit
	// since the worker process cannot resume them.
	transcribing int

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	limiter *rate.Limiter
}

// Supervisor manages all configured workers.
type Supervisor struct {
	sink        EventSink
	pingTimeout time.Duration
	pingPeriod  time.Duration

	mu      sync.RWMutex
	workers map[envelope.Worker]*workerState
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHealthCheck overrides the default ping period/timeout.
func WithHealthCheck(period, timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.pingPeriod = period
		s.pingTimeout = timeout
	}
}

// New constructs a Supervisor for the given worker spawn configs.
func New(configs map[envelope.Worker]SpawnConfig, sink EventSink, opts ...Option) *Supervisor {
	s := &Supervisor{
		sink:        sink,
		pingPeriod:  10 * time.Second,
		pingTimeout: 2 * time.Second,
		workers:     map[envelope.Worker]*workerState{},
	}
	for w, cfg := range configs {
		s.workers[w] = &workerState{
			worker:  w,
			config:  cfg,
			pending: map[string]*pendingEntry{},
			limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartAll spawns every configured worker and begins its health-check loop.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, gctx := errgroup.WithContext(ctx)
	for _, ws := range s.workers {
		ws := ws
		g.Go(func() error {
			s.start(gctx, ws)
			go s.healthLoop(ctx, ws)
			return nil
		})
	}
	return g.Wait()
}

// StopAll marks every worker as stopping and kills its process; it returns
// without waiting for the processes to exit.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.workers {
		s.stop(ws)
	}
}

func (s *Supervisor) start(ctx context.Context, ws *workerState) {
	ws.mu.Lock()

	cmd := exec.Command(ws.config.Executable, ws.config.Args...)
	cmd.Dir = ws.config.Dir
	cmd.Env = ws.config.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		ws.mu.Unlock()
		logging.Errorf("worker %s: stdin pipe: %v", ws.worker, err)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ws.mu.Unlock()
		logging.Errorf("worker %s: stdout pipe: %v", ws.worker, err)
		return
	}
	if err := cmd.Start(); err != nil {
		ws.mu.Unlock()
		logging.Errorf("worker %s: start: %v", ws.worker, err)
		s.scheduleRestart(ws, fmt.Sprintf("spawn failed: %v", err))
		return
	}

	ws.cmd = cmd
	ws.stdin = stdin
	ws.stopping = false
	ws.healthy = true
	ws.crashCount = 0
	ws.startedAt = time.Now().UTC()
	ws.mu.Unlock()

	go s.readLoop(ws, stdout)
	go s.waitExit(ws, cmd)

	s.publish(ws.worker, envelope.EventEnvelope{Event: "status", Code: "WORKER_AVAILABLE"})
	logging.WithFields(logging.Fields{"worker": ws.worker}).Info("worker started")
}

func (s *Supervisor) readLoop(ws *workerState, stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		s.dispatchLine(ws, line)
	}
}

// dispatchLine implements the stdout-dispatch algorithm:
// parse, look up pending[id], normalize, and either fan out (event) or
// resolve the matching awaiter (response).
func (s *Supervisor) dispatchLine(ws *workerState, line []byte) {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(line, &probe)

	ws.pendingMu.Lock()
	entry := ws.pending[probe.ID]
	ws.pendingMu.Unlock()

	var startedAt time.Time
	if entry != nil {
		startedAt = entry.startedAt
	}

	norm := envelope.NormalizeResponseEnvelope(line, probe.ID, startedAt)

	if norm.Event != nil {
		s.publish(ws.worker, *norm.Event)
		return
	}

	resp := norm.Response
	if resp.ID == "" {
		// unparseable / no id on a response envelope: drop silently.
		return
	}

	ws.pendingMu.Lock()
	entry, ok := ws.pending[resp.ID]
	if ok {
		delete(ws.pending, resp.ID)
	}
	ws.pendingMu.Unlock()
	if !ok {
		return
	}
	entry.resultCh <- norm
	close(entry.resultCh)
}

func (s *Supervisor) waitExit(ws *workerState, cmd *exec.Cmd) {
	err := cmd.Wait()

	ws.mu.Lock()
	wasStopping := ws.stopping
	restarting := ws.restarting
	ws.restarting = false
	ws.healthy = false
	ws.cmd = nil
	crash := ws.crashCount
	ws.crashCount++
	hadTranscribe := ws.transcribing > 0
	ws.transcribing = 0
	ws.mu.Unlock()

	if hadTranscribe {
		logging.Warnf("worker %s exited with a transcription in flight", ws.worker)
	}
	s.flushPending(ws, envelope.NewRetryableError("%s process exited: %v", ws.worker, err))

	if restarting {
		logging.Warnf("worker %s killed for restart, respawning", ws.worker)
		s.scheduleRestartAfter(ws, 0, "manual")
		return
	}
	if wasStopping {
		return
	}
	delay := backoffDelay(crash)
	metrics.ObserveWorkerRestart(string(ws.worker), "crash")
	logging.Warnf("worker %s exited unexpectedly, restarting in %s", ws.worker, delay)
	s.scheduleRestartAfter(ws, delay, "crash")
}

func isTranscribeCmd(cmd string) bool {
	return cmd == "transcribe" || cmd == "transcribe_folder"
}

func backoffDelay(crashCount int) time.Duration {
	idx := crashCount
	if idx >= len(backoffTableMs) {
		idx = len(backoffTableMs) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return time.Duration(backoffTableMs[idx]) * time.Millisecond
}

func (s *Supervisor) scheduleRestart(ws *workerState, reason string) {
	s.scheduleRestartAfter(ws, backoffDelay(ws.crashCount), reason)
}

func (s *Supervisor) scheduleRestartAfter(ws *workerState, delay time.Duration, reason string) {
	ws.mu.Lock()
	if ws.restartC != nil {
		ws.restartC.Stop()
	}
	ws.restartC = time.AfterFunc(delay, func() {
		if !ws.limiter.Allow() {
			logging.Warnf("worker %s restart rate-limited, deferring", ws.worker)
			s.scheduleRestartAfter(ws, delay, reason)
			return
		}
		s.start(context.Background(), ws)
	})
	ws.mu.Unlock()
}

func (s *Supervisor) flushPending(ws *workerState, err *envelope.Error) {
	ws.pendingMu.Lock()
	pending := ws.pending
	ws.pending = map[string]*pendingEntry{}
	ws.pendingMu.Unlock()

	for _, entry := range pending {
		entry.resultCh <- envelope.Normalized{Response: &envelope.ResponseEnvelope{OK: false, Error: err}}
		close(entry.resultCh)
	}
}

func (s *Supervisor) publish(worker envelope.Worker, evt envelope.EventEnvelope) {
	if s.sink != nil {
		s.sink.Publish(worker, evt)
	}
}

// Stop kills the named worker's process and marks it as stopping, so no
// restart follows its exit.
func (s *Supervisor) Stop(worker envelope.Worker) {
	s.mu.RLock()
	ws, ok := s.workers[worker]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.stop(ws)
}

func (s *Supervisor) stop(ws *workerState) {
	ws.mu.Lock()
	ws.stopping = true
	if ws.restartC != nil {
		ws.restartC.Stop()
	}
	cmd := ws.cmd
	ws.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

// Restart force-restarts worker, flushing all pending requests with a
// RetryableError first, then killing and re-spawning its process. Unlike
// Stop, the kill here is expected to be followed by a fresh start: it
// marks the worker as restarting rather than permanently stopping, so
// waitExit re-invokes start once the process exit is observed instead of
// leaving the worker dead.
func (s *Supervisor) Restart(worker envelope.Worker, reason string) {
	s.mu.RLock()
	ws, ok := s.workers[worker]
	s.mu.RUnlock()
	if !ok {
		return
	}
	metrics.ObserveWorkerRestart(string(worker), reason)
	s.flushPending(ws, envelope.NewRetryableError("%s", reason))

	ws.mu.Lock()
	ws.restarting = true
	if ws.restartC != nil {
		ws.restartC.Stop()
	}
	cmd := ws.cmd
	ws.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		ws.mu.Lock()
		ws.restarting = false
		ws.mu.Unlock()
		s.start(context.Background(), ws)
		return
	}
	_ = cmd.Process.Kill()
}

// IsRunning reports whether worker currently has a live process.
func (s *Supervisor) IsRunning(worker envelope.Worker) bool {
	s.mu.RLock()
	ws, ok := s.workers[worker]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.cmd != nil && ws.healthy
}

// SendRequest writes env's wire message to the worker's stdin and waits for
// the matching response, a worker exit (pending flush), or ctx
// cancellation. Fails fast with RetryableError if the worker is not running.
func (s *Supervisor) SendRequest(ctx context.Context, env envelope.RequestEnvelope) (*envelope.ResponseEnvelope, error) {
	s.mu.RLock()
	ws, ok := s.workers[env.Worker]
	s.mu.RUnlock()
	if !ok {
		return nil, envelope.NewUserError("unknown worker %q", env.Worker)
	}

	ws.mu.Lock()
	stdin := ws.stdin
	running := ws.cmd != nil
	ws.mu.Unlock()
	if !running || stdin == nil {
		return nil, envelope.NewRetryableError("worker %s is not running", env.Worker)
	}

	entry := &pendingEntry{startedAt: time.Now(), traceID: env.TraceID, resultCh: make(chan envelope.Normalized, 1)}
	ws.pendingMu.Lock()
	ws.pending[env.ID] = entry
	ws.pendingMu.Unlock()

	line, err := envelope.ToWorkerWireMessage(env)
	if err != nil {
		ws.pendingMu.Lock()
		delete(ws.pending, env.ID)
		ws.pendingMu.Unlock()
		return nil, envelope.NewUserError("encode request: %v", err)
	}
	line = append(line, '\n')

	ws.mu.Lock()
	_, writeErr := ws.stdin.Write(line)
	ws.mu.Unlock()
	if writeErr != nil {
		ws.pendingMu.Lock()
		delete(ws.pending, env.ID)
		ws.pendingMu.Unlock()
		return nil, envelope.NewRetryableError("write to worker %s: %v", env.Worker, writeErr)
	}

	if isTranscribeCmd(env.Cmd) {
		ws.mu.Lock()
		ws.transcribing++
		ws.mu.Unlock()
		defer func() {
			ws.mu.Lock()
			if ws.transcribing > 0 {
				ws.transcribing--
			}
			ws.mu.Unlock()
		}()
	}

	select {
	case <-ctx.Done():
		ws.pendingMu.Lock()
		delete(ws.pending, env.ID)
		ws.pendingMu.Unlock()
		return nil, envelope.NewRetryableError("timeout waiting for worker %s", env.Worker)
	case norm := <-entry.resultCh:
		if norm.Response == nil {
			return nil, envelope.NewRetryableError("worker %s produced no response", env.Worker)
		}
		if !norm.Response.OK {
			if norm.Response.Error != nil {
				return norm.Response, norm.Response.Error
			}
			return norm.Response, envelope.NewUserError("worker %s reported failure", env.Worker)
		}
		return norm.Response, nil
	}
}
