package repository

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"chess_lore/internal/bootstrap"
	"chess_lore/internal/domain/analysis"
	errs "chess_lore/internal/errors"
)

const (
	startFEN     = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	afterE4FEN   = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1"
	shortTimeout = 50 * time.Millisecond
	testDeadline = 2 * time.Second
)

type replyFunc func(lines ...string)

// fakeEngine plays the engine side of the pipes. Every command is recorded
// and handed to handle, which may answer through reply.
type fakeEngine struct {
	mu       sync.Mutex
	commands []string
	handle   func(cmd string, reply replyFunc)
}

func (f *fakeEngine) run(stdin io.Reader, stdout *io.PipeWriter) {
	defer stdout.Close()

	reply := func(lines ...string) {
		for _, l := range lines {
			if _, err := io.WriteString(stdout, l+"\n"); err != nil {
				return
			}
		}
	}

	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		cmd := scanner.Text()
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		if cmd == "quit" {
			continue
		}
		f.handle(cmd, reply)
	}
}

func (f *fakeEngine) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func startFakeEngine(t *testing.T, cfg EngineConfig, handle func(cmd string, reply replyFunc)) (*EngineClient, *fakeEngine) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	fake := &fakeEngine{handle: handle}
	go fake.run(stdinR, stdoutW)

	client, err := NewEngineClientFromPipes(stdinW, stdoutR, cfg, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewEngineClientFromPipes: %v", err)
	}
	t.Cleanup(func() { _ = client.Terminate() })
	return client, fake
}

// handshake answers uci and isready like a well-behaved engine.
func handshake(cmd string, reply replyFunc) bool {
	switch cmd {
	case "uci":
		reply("id name Fake 1.0", "id author test", "option name Hash type spin default 16 min 1 max 1024", "uciok")
		return true
	case "isready":
		reply("readyok")
		return true
	}
	return false
}

func goDepth(cmd string) (int, bool) {
	var d int
	if _, err := fmt.Sscanf(cmd, "go depth %d", &d); err != nil {
		return 0, false
	}
	return d, true
}

func readyClient(t *testing.T, cfg EngineConfig, handle func(cmd string, reply replyFunc)) (*EngineClient, *fakeEngine) {
	t.Helper()
	client, fake := startFakeEngine(t, cfg, handle)
	ctx, cancel := context.WithTimeout(context.Background(), testDeadline)
	defer cancel()
	if err := client.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	return client, fake
}

func waitForState(t *testing.T, client *EngineClient, want EngineState) {
	t.Helper()
	deadline := time.Now().Add(testDeadline)
	for time.Now().Before(deadline) {
		if client.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", client.State(), want)
}

func TestEngineClientWaitUntilReady(t *testing.T) {
	client, fake := readyClient(t, EngineConfig{Threads: 2, HashMB: 64}, func(cmd string, reply replyFunc) {
		handshake(cmd, reply)
	})

	if got := client.State(); got != StateReady {
		t.Fatalf("state = %s, want ready", got)
	}

	cmds := fake.seen()
	if len(cmds) < 3 || cmds[0] != "uci" {
		t.Fatalf("unexpected handshake commands: %v", cmds)
	}
	if cmds[1] != "setoption name Threads value 2" || cmds[2] != "setoption name Hash value 64" {
		t.Errorf("options not sent after uci: %v", cmds)
	}

	// a second call returns at once
	if err := client.WaitUntilReady(context.Background()); err != nil {
		t.Errorf("second WaitUntilReady: %v", err)
	}
}

func TestEngineClientInitTimeout(t *testing.T) {
	client, _ := startFakeEngine(t, EngineConfig{ReadyTimeout: shortTimeout}, func(string, replyFunc) {})

	start := time.Now()
	err := client.WaitUntilReady(context.Background())
	if !errors.Is(err, errs.ErrEngineInitTimeout) {
		t.Fatalf("err = %v, want ErrEngineInitTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("init timeout took %s", elapsed)
	}
	if got := client.State(); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}

	if _, err := client.Evaluate(context.Background(), startFEN, 5); !errors.Is(err, errs.ErrEngineNotReady) {
		t.Errorf("Evaluate after failed init: err = %v, want ErrEngineNotReady", err)
	}
	if err := client.WaitUntilReady(context.Background()); !errors.Is(err, errs.ErrEngineInitTimeout) {
		t.Errorf("client must stay unusable, got %v", err)
	}
}

func TestEngineClientEvaluateBeforeReady(t *testing.T) {
	client, _ := startFakeEngine(t, EngineConfig{}, func(string, replyFunc) {})

	if _, err := client.Evaluate(context.Background(), startFEN, 5); !errors.Is(err, errs.ErrEngineNotReady) {
		t.Fatalf("err = %v, want ErrEngineNotReady", err)
	}
}

func TestEngineClientEvaluate(t *testing.T) {
	t.Run("ResolvesOnBestMove", func(t *testing.T) {
		client, _ := readyClient(t, EngineConfig{}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if _, ok := goDepth(cmd); ok {
				reply(
					"info depth 1 seldepth 1 multipv 1 score cp 18 nodes 20 nps 20000 pv e2e4",
					"info depth 2 seldepth 2 multipv 1 score cp 31 nodes 80 nps 40000 pv e2e4 e7e5",
					"bestmove e2e4 ponder e7e5",
				)
			}
		})

		eval, err := client.Evaluate(context.Background(), startFEN, 10)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if eval.Score != 31 || eval.Depth != 2 || eval.Mate != nil || eval.Partial {
			t.Errorf("eval = %+v, want score 31 depth 2", eval)
		}
		if got := client.State(); got != StateReady {
			t.Errorf("state = %s, want ready", got)
		}
	})

	t.Run("ResolvesAtTargetDepth", func(t *testing.T) {
		searching := false
		client, fake := readyClient(t, EngineConfig{}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if d, ok := goDepth(cmd); ok {
				searching = true
				// one line past the target depth, read after the search finished
				for i := 1; i <= d+1; i++ {
					reply(fmt.Sprintf("info depth %d score cp %d pv e7e5", i, 10*i))
				}
				return
			}
			if cmd == "stop" && searching {
				searching = false
				reply("bestmove e7e5")
			}
		})

		eval, err := client.Evaluate(context.Background(), startFEN, 3)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if eval.Score != 30 || eval.Depth != 3 {
			t.Errorf("eval = %+v, want score 30 depth 3", eval)
		}

		// Black to move: the engine's +20 is Black's advantage.
		eval, err = client.Evaluate(context.Background(), afterE4FEN, 2)
		if err != nil {
			t.Fatalf("second Evaluate: %v", err)
		}
		if eval.Score != -20 || eval.Depth != 2 {
			t.Errorf("eval = %+v, want score -20 depth 2", eval)
		}

		cmds := strings.Join(fake.seen(), "|")
		if !strings.Contains(cmds, "go depth 3|stop|isready|position fen "+afterE4FEN) {
			t.Errorf("second search was not fenced by stop/isready: %s", cmds)
		}
	})

	t.Run("TimeoutReturnsPartial", func(t *testing.T) {
		client, _ := readyClient(t, EngineConfig{EvalTimeout: shortTimeout}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if _, ok := goDepth(cmd); ok {
				reply("info depth 4 score cp 80 pv d2d4", "info depth 5 currmove g1f3 currmovenumber 2")
			}
		})

		start := time.Now()
		eval, err := client.Evaluate(context.Background(), startFEN, 20)
		if err != nil {
			t.Fatalf("timeout must not be an error, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Errorf("evaluation did not honour its timeout")
		}
		if !eval.Partial || eval.Score != 80 || eval.Depth != 4 {
			t.Errorf("eval = %+v, want partial score 80 depth 4", eval)
		}
	})

	t.Run("MateScores", func(t *testing.T) {
		client, _ := readyClient(t, EngineConfig{}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if _, ok := goDepth(cmd); ok {
				reply("info depth 7 score mate 3 pv d1h5", "bestmove d1h5")
			}
		})

		eval, err := client.Evaluate(context.Background(), startFEN, 15)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if eval.Mate == nil || *eval.Mate != 3 || eval.Score != analysis.MateScore-3 {
			t.Errorf("white to move: eval = %+v, want mate 3", eval)
		}

		eval, err = client.Evaluate(context.Background(), afterE4FEN, 15)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if eval.Mate == nil || *eval.Mate != -3 || eval.Score != -(analysis.MateScore - 3) {
			t.Errorf("black to move: eval = %+v, want mate -3", eval)
		}
	})

	t.Run("IgnoresUnknownLines", func(t *testing.T) {
		client, _ := readyClient(t, EngineConfig{}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if _, ok := goDepth(cmd); ok {
				reply(
					"Stockfish 16 by the Stockfish developers",
					"",
					"info string NNUE evaluation using nn-5af11540bbfe.nnue depth 99",
					"info depth 1 score cp abc",
					"info depth 1 score cp 5 pv e2e4",
					"bestmove e2e4",
				)
			}
		})

		eval, err := client.Evaluate(context.Background(), startFEN, 15)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if eval.Score != 5 || eval.Depth != 1 {
			t.Errorf("eval = %+v, want score 5 depth 1", eval)
		}
	})
}

func TestEngineClientStoppedSearch(t *testing.T) {
	t.Run("LateBestMoveIsDrained", func(t *testing.T) {
		// isready is answered at once, the stopped search's bestmove only later
		var staleSent, overlapped atomic.Bool
		searches := 0
		client, fake := readyClient(t, EngineConfig{EvalTimeout: 150 * time.Millisecond}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if strings.HasPrefix(cmd, "position") && searches > 0 && !staleSent.Load() {
				overlapped.Store(true)
			}
			if cmd == "stop" {
				go func() {
					time.Sleep(30 * time.Millisecond)
					reply("info depth 9 score cp -500 pv a2a3")
					staleSent.Store(true)
					reply("bestmove a2a3")
				}()
				return
			}
			if _, ok := goDepth(cmd); ok {
				searches++
				if searches == 1 {
					reply("info depth 3 score cp 10 pv e2e4")
					return
				}
				reply("info depth 3 score cp 73 pv d2d4", "bestmove d2d4")
			}
		})

		eval, err := client.Evaluate(context.Background(), startFEN, 20)
		if err != nil {
			t.Fatalf("first Evaluate: %v", err)
		}
		if !eval.Partial || eval.Score != 10 || eval.Depth != 3 {
			t.Errorf("first eval = %+v, want partial score 10 depth 3", eval)
		}

		eval, err = client.Evaluate(context.Background(), startFEN, 3)
		if err != nil {
			t.Fatalf("second Evaluate: %v", err)
		}
		if eval.Partial || eval.Score != 73 || eval.Depth != 3 {
			t.Errorf("second eval = %+v, want score 73 depth 3", eval)
		}
		if overlapped.Load() {
			t.Error("new search started before the stopped one printed its bestmove")
		}

		cmds := strings.Join(fake.seen(), "|")
		if !strings.Contains(cmds, "stop|isready|position fen "+startFEN) {
			t.Errorf("second search was not fenced by stop/isready: %s", cmds)
		}
	})

	t.Run("NoBestMoveAfterStop", func(t *testing.T) {
		var searches atomic.Int32
		client, _ := readyClient(t, EngineConfig{EvalTimeout: shortTimeout}, func(cmd string, reply replyFunc) {
			if handshake(cmd, reply) {
				return
			}
			if _, ok := goDepth(cmd); ok {
				searches.Add(1)
				reply("info depth 2 score cp 15 pv e2e4")
			}
		})

		if _, err := client.Evaluate(context.Background(), startFEN, 20); err != nil {
			t.Fatalf("first Evaluate: %v", err)
		}
		if _, err := client.Evaluate(context.Background(), startFEN, 20); !errors.Is(err, errs.ErrEngineUnresponsive) {
			t.Errorf("err = %v, want ErrEngineUnresponsive", err)
		}
		if n := searches.Load(); n != 1 {
			t.Errorf("engine received %d searches, want 1", n)
		}
	})
}

func TestEngineConfigFrom(t *testing.T) {
	cfg := EngineConfigFrom(&bootstrap.Config{
		EnginePath:    "/usr/games/stockfish",
		EngineArgs:    "  --bench-off   --quiet ",
		EngineThreads: 4,
	})
	if cfg.Path != "/usr/games/stockfish" || cfg.Threads != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "--bench-off" || cfg.Args[1] != "--quiet" {
		t.Errorf("Args = %q", cfg.Args)
	}
}

func TestEngineClientSingleFlight(t *testing.T) {
	client, _ := readyClient(t, EngineConfig{EvalTimeout: 500 * time.Millisecond}, func(cmd string, reply replyFunc) {
		handshake(cmd, reply)
	})

	done := make(chan error, 1)
	go func() {
		_, err := client.Evaluate(context.Background(), startFEN, 15)
		done <- err
	}()
	waitForState(t, client, StateEvaluating)

	if _, err := client.Evaluate(context.Background(), afterE4FEN, 15); !errors.Is(err, errs.ErrEvaluationInFlight) {
		t.Errorf("concurrent Evaluate: err = %v, want ErrEvaluationInFlight", err)
	}

	if err := <-done; err != nil {
		t.Errorf("first Evaluate: %v", err)
	}
}

func TestEngineClientContextCancel(t *testing.T) {
	client, _ := readyClient(t, EngineConfig{EvalTimeout: 5 * time.Second}, func(cmd string, reply replyFunc) {
		handshake(cmd, reply)
	})

	ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
	defer cancel()

	_, err := client.Evaluate(ctx, startFEN, 15)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if got := client.State(); got != StateReady {
		t.Errorf("state = %s, want ready after abandoned search", got)
	}
}

func TestEngineClientTerminate(t *testing.T) {
	t.Run("Idle", func(t *testing.T) {
		client, fake := readyClient(t, EngineConfig{}, func(cmd string, reply replyFunc) {
			handshake(cmd, reply)
		})

		if err := client.Terminate(); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
		if err := client.Terminate(); err != nil {
			t.Errorf("second Terminate: %v", err)
		}
		if got := client.State(); got != StateTerminated {
			t.Errorf("state = %s, want terminated", got)
		}
		if _, err := client.Evaluate(context.Background(), startFEN, 5); !errors.Is(err, errs.ErrEngineTerminated) {
			t.Errorf("Evaluate after Terminate: err = %v", err)
		}
		if err := client.WaitUntilReady(context.Background()); !errors.Is(err, errs.ErrEngineTerminated) {
			t.Errorf("WaitUntilReady after Terminate: err = %v", err)
		}

		select {
		case <-client.exited:
		case <-time.After(testDeadline):
			t.Fatal("reader goroutine still running after Terminate")
		}
		cmds := fake.seen()
		if cmds[len(cmds)-1] != "quit" {
			t.Errorf("last command = %q, want quit", cmds[len(cmds)-1])
		}
	})

	t.Run("InFlight", func(t *testing.T) {
		client, _ := readyClient(t, EngineConfig{EvalTimeout: 5 * time.Second}, func(cmd string, reply replyFunc) {
			handshake(cmd, reply)
		})

		done := make(chan error, 1)
		go func() {
			_, err := client.Evaluate(context.Background(), startFEN, 15)
			done <- err
		}()
		waitForState(t, client, StateEvaluating)

		if err := client.Terminate(); err != nil {
			t.Fatalf("Terminate: %v", err)
		}

		select {
		case err := <-done:
			if !errors.Is(err, errs.ErrEngineTerminated) {
				t.Errorf("in-flight Evaluate: err = %v, want ErrEngineTerminated", err)
			}
		case <-time.After(testDeadline):
			t.Fatal("Terminate did not release the in-flight evaluation")
		}
	})
}

func TestEngineClientEngineExit(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	crash := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			switch scanner.Text() {
			case "uci":
				_, _ = io.WriteString(stdoutW, "uciok\n")
			case "go depth 15":
				close(crash)
				_ = stdoutW.Close()
			}
		}
	}()

	client, err := NewEngineClientFromPipes(stdinW, stdoutR, EngineConfig{}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewEngineClientFromPipes: %v", err)
	}
	defer client.Terminate()

	if err := client.WaitUntilReady(context.Background()); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}

	_, err = client.Evaluate(context.Background(), startFEN, 15)
	<-crash
	if !errors.Is(err, errs.ErrEngineExited) {
		t.Errorf("err = %v, want ErrEngineExited", err)
	}
}
