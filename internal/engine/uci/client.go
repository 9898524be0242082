package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	handshakeTimeout = 7 * time.Second
	quitGracePeriod  = 500 * time.Millisecond
)

// Failure modes are distinct so callers can tell a slow engine from a
// broken one.
var (
	ErrSpawn           = errors.New("uci: engine spawn failed")
	ErrTimeout         = errors.New("uci: evaluation timed out")
	ErrEngineExited    = errors.New("uci: engine exited unexpectedly")
	ErrMalformedOutput = errors.New("uci: malformed engine output")
)

type Options struct {
	Threads int
	HashMB  int
}

// Budget limits one search command. Exactly one of Depth or MoveTimeMillis
// must be set.
type Budget struct {
	Depth          int
	MoveTimeMillis int
}

// Score is an engine evaluation from the perspective of the side to move
// in the evaluated position: either a centipawn value or a forced-mate
// distance.
type Score struct {
	CP     int
	MateIn int
	IsMate bool
}

type Evaluation struct {
	Score    Score
	BestMove string
}

// Client owns one engine process. Commands are strictly serialized: a
// second Evaluate blocks until the first resolves. The process is never
// reused after a timeout; callers discard the client on any error.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	timeout time.Duration

	mu     sync.Mutex // guards stdin writes and close
	search sync.Mutex // one command in flight
	closed bool
}

// Start spawns the engine, performs the uci/isready handshake, and applies
// analysis options.
func Start(ctx context.Context, binaryPath string, opt Options, evalTimeout time.Duration) (*Client, error) {
	if strings.TrimSpace(binaryPath) == "" {
		return nil, fmt.Errorf("%w: binary path required", ErrSpawn)
	}
	if _, err := os.Stat(binaryPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if evalTimeout <= 0 {
		evalTimeout = 10 * time.Second
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	c := &Client{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdoutPipe),
		timeout: evalTimeout,
	}

	if err := c.handshake(ctx, opt); err != nil {
		c.kill()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, opt Options) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if err := c.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := c.awaitToken(hsCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}

	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	hash := opt.HashMB
	if hash <= 0 {
		hash = 16
	}
	for _, cmd := range []string{
		fmt.Sprintf("setoption name Threads value %d\n", threads),
		fmt.Sprintf("setoption name Hash value %d\n", hash),
	} {
		if err := c.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}

	if err := c.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := c.awaitToken(hsCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// Evaluate scores a single position. On timeout the process is killed and
// the client must not be reused.
func (c *Client) Evaluate(ctx context.Context, fen string, budget Budget) (Evaluation, error) {
	c.search.Lock()
	defer c.search.Unlock()

	if err := c.send(buildPositionCommand(fen)); err != nil {
		return Evaluation{}, fmt.Errorf("send position: %w", err)
	}

	goCmd, err := buildGoCommand(budget)
	if err != nil {
		return Evaluation{}, err
	}
	if err := c.send(goCmd); err != nil {
		return Evaluation{}, fmt.Errorf("send go: %w", err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		score    Score
		scoreSet bool
	)

	for {
		line, err := c.readLine(searchCtx)
		if err != nil {
			// a timed-out process may be mid-search; it cannot be reused
			c.kill()
			if errors.Is(err, context.DeadlineExceeded) {
				return Evaluation{}, fmt.Errorf("%w after %s (fen=%s)", ErrTimeout, c.timeout, fen)
			}
			if errors.Is(err, io.EOF) {
				return Evaluation{}, ErrEngineExited
			}
			return Evaluation{}, fmt.Errorf("read line: %w", err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			if s, ok := parseScore(line); ok {
				score = s
				scoreSet = true
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			if len(parts) < 2 {
				return Evaluation{}, fmt.Errorf("%w: %q", ErrMalformedOutput, line)
			}
			if !scoreSet {
				return Evaluation{}, fmt.Errorf("%w: bestmove without a preceding score line", ErrMalformedOutput)
			}
			return Evaluation{Score: score, BestMove: parts[1]}, nil
		}
	}
}

// Close sends quit, allows a brief grace period, then kills the process if
// it has not exited.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		_, _ = io.WriteString(stdin, "quit\n")
		_ = stdin.Close()
	}

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(quitGracePeriod):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

func (c *Client) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		go func() { _ = c.cmd.Wait() }()
	}
}

func (c *Client) send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrEngineExited
	}
	_, err := io.WriteString(c.stdin, msg)
	return err
}

func (c *Client) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (c *Client) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		line, err := c.stdout.ReadString('\n')
		ch <- result{line: strings.TrimSpace(line), err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		return res.line, res.err
	}
}

func buildPositionCommand(fen string) string {
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		return "position startpos\n"
	}
	return "position fen " + fen + "\n"
}

func buildGoCommand(b Budget) (string, error) {
	switch {
	case b.Depth > 0 && b.MoveTimeMillis > 0:
		return "", fmt.Errorf("budget must set depth or movetime, not both")
	case b.Depth > 0:
		return "go depth " + strconv.Itoa(b.Depth) + "\n", nil
	case b.MoveTimeMillis > 0:
		return "go movetime " + strconv.Itoa(b.MoveTimeMillis) + "\n", nil
	default:
		return "", fmt.Errorf("no search budget specified")
	}
}

// parseScore extracts the score from one info line. The most recent score
// before bestmove wins, so callers simply overwrite.
func parseScore(line string) (Score, bool) {
	parts := strings.Fields(line)
	for i := 0; i < len(parts); i++ {
		if parts[i] != "score" || i+2 >= len(parts) {
			continue
		}
		v, err := strconv.Atoi(parts[i+2])
		if err != nil {
			return Score{}, false
		}
		switch parts[i+1] {
		case "cp":
			return Score{CP: v}, true
		case "mate":
			return Score{MateIn: v, IsMate: true}, true
		}
		return Score{}, false
	}
	return Score{}, false
}
