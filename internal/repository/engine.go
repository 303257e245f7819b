package repository

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chess_lore/internal/bootstrap"
	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

// EngineState is the lifecycle state of an EngineClient.
type EngineState int

const (
	StateUninitialized EngineState = iota
	StateInitializing
	StateReady
	StateEvaluating
	StateFailed
	StateTerminated
)

func (s EngineState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateEvaluating:
		return "evaluating"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

type EngineConfig struct {
	Path         string
	Args         []string
	Threads      int
	HashMB       int
	ReadyTimeout time.Duration
	EvalTimeout  time.Duration
	QuitGrace    time.Duration
}

func EngineConfigFrom(cfg *bootstrap.Config) EngineConfig {
	return EngineConfig{
		Path:         cfg.EnginePath,
		Args:         strings.Fields(cfg.EngineArgs),
		Threads:      cfg.EngineThreads,
		HashMB:       cfg.EngineHashMB,
		ReadyTimeout: cfg.EngineReadyTimeout,
		EvalTimeout:  cfg.EngineEvalTimeout,
		QuitGrace:    cfg.EngineQuitGrace,
	}
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 5 * time.Second
	}
	if c.EvalTimeout <= 0 {
		c.EvalTimeout = 5 * time.Second
	}
	if c.QuitGrace <= 0 {
		c.QuitGrace = time.Second
	}
	return c
}

// search is the bookkeeping for the single evaluation in flight. It is only
// touched with EngineClient.mu held.
//
// A search that ends before the engine printed its bestmove is stopped and
// kept as the draining search until that bestmove arrives. drained is closed
// then.
type search struct {
	minDepth    int
	stm         analysis.Side
	eval        analysis.EngineEvaluation
	bestMove    string
	sawBestMove bool
	finished    bool
	done        chan struct{}
	drained     chan struct{}
}

func newSearch(boardState string, minDepth int) *search {
	return &search{
		minDepth: minDepth,
		stm:      sideToMove(boardState),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
	}
}

func (s *search) apply(ev engineEvent) {
	if s.finished || !ev.scored() {
		return
	}
	depth := s.eval.Depth
	if ev.hasDepth {
		depth = ev.depth
	}
	s.eval = absoluteEvaluation(ev, depth, s.stm)
	if ev.hasDepth && ev.depth >= s.minDepth {
		s.finish()
	}
}

func (s *search) finish() {
	if !s.finished {
		s.finished = true
		close(s.done)
	}
}

// EngineClient drives one UCI engine over a pair of pipes. The engine
// protocol carries no request ids, so only one search may be outstanding:
// Evaluate rejects concurrent callers instead of interleaving them.
type EngineClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *bufio.Writer
	stdout *bufio.Scanner
	cfg    EngineConfig
	log    *zap.SugaredLogger

	writeMu sync.Mutex

	mu         sync.Mutex
	state      EngineState
	current    *search
	draining   *search
	syncWaiter chan struct{}
	needsSync  bool

	ready     chan struct{}
	readyOnce sync.Once
	pingOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
}

// NewEngineClient starts the engine binary and sends the UCI handshake.
func NewEngineClient(cfg EngineConfig, log *zap.SugaredLogger) (*EngineClient, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %q: %w", cfg.Path, err)
	}

	client := newEngineClient(stdinPipe, stdoutPipe, cfg, log)
	client.cmd = cmd
	if err := client.start(); err != nil {
		_ = client.Terminate()
		return nil, err
	}
	return client, nil
}

// NewEngineClientFromPipes runs the protocol over an already running engine.
func NewEngineClientFromPipes(stdin io.WriteCloser, stdout io.Reader, cfg EngineConfig, log *zap.SugaredLogger) (*EngineClient, error) {
	client := newEngineClient(stdin, stdout, cfg, log)
	if err := client.start(); err != nil {
		_ = client.Terminate()
		return nil, err
	}
	return client, nil
}

func newEngineClient(stdin io.WriteCloser, stdout io.Reader, cfg EngineConfig, log *zap.SugaredLogger) *EngineClient {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	return &EngineClient{
		stdin:  stdin,
		writer: bufio.NewWriter(stdin),
		stdout: scanner,
		cfg:    cfg.withDefaults(),
		log:    log,
		state:  StateUninitialized,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (c *EngineClient) start() error {
	go c.listenForEvents()

	c.setState(StateInitializing)

	lines := []string{"uci"}
	if c.cfg.Threads > 0 {
		lines = append(lines, fmt.Sprintf("setoption name Threads value %d", c.cfg.Threads))
	}
	if c.cfg.HashMB > 0 {
		lines = append(lines, fmt.Sprintf("setoption name Hash value %d", c.cfg.HashMB))
	}
	return c.send(lines...)
}

func (c *EngineClient) State() EngineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *EngineClient) setState(s EngineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return
	}
	c.state = s
}

// -----------------------------------------------------
// Reading engine output
// -----------------------------------------------------

func (c *EngineClient) listenForEvents() {
	defer close(c.exited)

	for c.stdout.Scan() {
		line := c.stdout.Text()

		ev := parseEngineLine(line)
		if ev.kind == eventUnknown {
			continue
		}
		c.dispatch(ev)
	}

	if err := c.stdout.Err(); err != nil {
		c.log.Warnw("engine output stream failed", "error", err)
	}
	c.log.Debugw("engine output closed")
}

func (c *EngineClient) dispatch(ev engineEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.kind {
	case eventReady:
		if c.state == StateInitializing {
			c.state = StateReady
			c.readyOnce.Do(func() { close(c.ready) })
		}
		if ev.ack == "readyok" && c.syncWaiter != nil {
			close(c.syncWaiter)
			c.syncWaiter = nil
		}
	case eventInfo:
		// output of a stopped search is dropped until its bestmove
		if c.draining == nil && c.current != nil {
			c.current.apply(ev)
		}
	case eventBestMove:
		switch {
		case c.draining != nil:
			c.draining.bestMove = ev.move
			close(c.draining.drained)
			c.draining = nil
		case c.current != nil:
			c.current.bestMove = ev.move
			c.current.sawBestMove = true
			c.current.finish()
		}
	}
}

// -----------------------------------------------------
// Writing commands
// -----------------------------------------------------

func (c *EngineClient) send(lines ...string) error {
	select {
	case <-c.closed:
		return errs.ErrEngineTerminated
	default:
	}
	return c.write(lines...)
}

func (c *EngineClient) write(lines ...string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, line := range lines {
		if _, err := c.writer.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write %q: %w", line, err)
		}
	}
	return c.writer.Flush()
}

// -----------------------------------------------------
// Public API
// -----------------------------------------------------

// WaitUntilReady blocks until the engine acknowledged the handshake. If that
// does not happen within ReadyTimeout the client becomes unusable.
func (c *EngineClient) WaitUntilReady(ctx context.Context) error {
	switch c.State() {
	case StateReady, StateEvaluating:
		return nil
	case StateFailed:
		return errs.ErrEngineInitTimeout
	case StateTerminated:
		return errs.ErrEngineTerminated
	}

	var pingErr error
	c.pingOnce.Do(func() { pingErr = c.send("isready") })
	if pingErr != nil {
		return pingErr
	}

	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
		return nil
	case <-timer.C:
		c.mu.Lock()
		if c.state == StateInitializing {
			c.state = StateFailed
		}
		c.mu.Unlock()
		if c.State() == StateReady {
			return nil
		}
		c.log.Errorw("engine initialization timed out", "timeout", c.cfg.ReadyTimeout)
		return errs.ErrEngineInitTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return errs.ErrEngineExited
	case <-c.closed:
		return errs.ErrEngineTerminated
	}
}

// Evaluate searches boardState (a FEN) up to minDepth. It returns when the
// engine announces a best move, a scored line reaches minDepth, or
// EvalTimeout elapses, whichever comes first. A timeout is not an error:
// the best evaluation seen so far comes back with Partial set.
func (c *EngineClient) Evaluate(ctx context.Context, boardState string, minDepth int) (analysis.EngineEvaluation, error) {
	c.mu.Lock()
	switch c.state {
	case StateReady:
	case StateEvaluating:
		c.mu.Unlock()
		return analysis.EngineEvaluation{}, errs.ErrEvaluationInFlight
	case StateTerminated:
		c.mu.Unlock()
		return analysis.EngineEvaluation{}, errs.ErrEngineTerminated
	default:
		c.mu.Unlock()
		return analysis.EngineEvaluation{}, errs.ErrEngineNotReady
	}
	c.state = StateEvaluating
	needsSync := c.needsSync
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.state == StateEvaluating {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	if needsSync {
		if err := c.syncEngine(ctx); err != nil {
			return analysis.EngineEvaluation{}, err
		}
	}

	s := newSearch(boardState, minDepth)

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	err := c.send(
		"position fen "+boardState,
		fmt.Sprintf("go depth %d", minDepth),
	)
	if err != nil {
		c.clearSearch()
		return analysis.EngineEvaluation{}, err
	}

	timer := time.NewTimer(c.cfg.EvalTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-s.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.closed:
		err = errs.ErrEngineTerminated
	case <-c.exited:
		err = errs.ErrEngineExited
	}

	// terminated or exited, nothing left to stop
	engineGone := err != nil && ctx.Err() == nil

	c.mu.Lock()
	c.current = nil
	eval := s.eval
	bestMove := s.bestMove
	stopSearch := !s.sawBestMove && !engineGone
	if stopSearch {
		c.draining = s
		c.needsSync = true
	}
	c.mu.Unlock()

	if engineGone {
		return eval, err
	}

	if stopSearch {
		if stopErr := c.send("stop"); stopErr != nil {
			c.log.Warnw("failed to stop engine search", "error", stopErr)
		}
	} else {
		c.log.Debugw("engine search finished", "bestmove", bestMove, "depth", eval.Depth)
	}

	if err != nil {
		return eval, err
	}

	if timedOut {
		eval.Partial = true
		c.log.Warnw("engine evaluation timed out, using partial result",
			"fen", boardState, "depth", eval.Depth, "target_depth", minDepth)
	}
	return eval, nil
}

func (c *EngineClient) clearSearch() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// syncEngine fences off a stopped search before the next one starts. Engines
// answer isready even while searching, so the fence first waits for the
// stopped search's bestmove and only then for readyok. Both waits share one
// EvalTimeout.
func (c *EngineClient) syncEngine(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.EvalTimeout)
	defer timer.Stop()

	c.mu.Lock()
	stopped := c.draining
	c.mu.Unlock()

	if stopped != nil {
		if err := c.await(ctx, stopped.drained, timer.C); err != nil {
			c.log.Warnw("stopped search did not finish", "error", err)
			return err
		}
		c.log.Debugw("stopped search drained", "bestmove", stopped.bestMove)
	}

	waiter := make(chan struct{})
	c.mu.Lock()
	c.syncWaiter = waiter
	c.mu.Unlock()

	if err := c.send("isready"); err != nil {
		return err
	}

	if err := c.await(ctx, waiter, timer.C); err != nil {
		c.mu.Lock()
		if c.syncWaiter == waiter {
			c.syncWaiter = nil
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.needsSync = false
	c.mu.Unlock()
	return nil
}

func (c *EngineClient) await(ctx context.Context, signal <-chan struct{}, timeout <-chan time.Time) error {
	select {
	case <-signal:
		return nil
	case <-timeout:
		return errs.ErrEngineUnresponsive
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errs.ErrEngineTerminated
	case <-c.exited:
		return errs.ErrEngineExited
	}
}

// Terminate stops the engine and releases the pipes. It is safe to call more
// than once and from any goroutine.
func (c *EngineClient) Terminate() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		c.current = nil
		c.draining = nil
		c.mu.Unlock()
		close(c.closed)

		_ = c.write("quit")
		if closeErr := c.stdin.Close(); closeErr != nil {
			c.log.Debugw("failed to close engine stdin", "error", closeErr)
		}

		if c.cmd == nil {
			return
		}

		// Wait closes stdout, so it only runs once the reader is done or the
		// process is gone.
		select {
		case <-c.exited:
		case <-time.After(c.cfg.QuitGrace):
			c.log.Warnw("engine did not quit in time, killing it", "pid", c.cmd.Process.Pid)
			err = c.cmd.Process.Kill()
		}
		if waitErr := c.cmd.Wait(); waitErr != nil {
			c.log.Debugw("engine process wait", "error", waitErr)
		}
	})
	return err
}
