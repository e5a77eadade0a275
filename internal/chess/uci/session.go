package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultReadyTimeout = 4 * time.Second
	defaultDrainTimeout = 2 * time.Second
	lineBuffer          = 256
	mateValue           = 30000
)

// ErrSessionBroken marks a session whose protocol state is unknown; callers
// must discard it.
var ErrSessionBroken = errors.New("uci session broken")

type Options struct {
	Threads int
	HashMB  int
	MultiPV int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

type Candidate struct {
	Move      string
	EvalCP    int
	Depth     int
	Principal []string
}

// Progress is a snapshot of the lines reported so far by a running search.
type Progress struct {
	Depth      int
	Candidates []Candidate
}

type Session struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{}
	log   *zap.Logger

	readErr   error
	closeOnce sync.Once

	mu      sync.Mutex
	search  sync.Mutex
	multiPV int
	broken  bool
}

func NewSession(ctx context.Context, binaryPath string, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}

	// The process outlives ctx; Close kills it.
	cmd := exec.Command(binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := newSession(stdin, stdoutPipe, logger)
	s.cmd = cmd
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewSessionIO runs the protocol over an already connected engine, e.g. a
// remote engine or an in-process fake.
func NewSessionIO(ctx context.Context, r io.Reader, w io.WriteCloser, opt Options, logger *zap.Logger) (*Session, error) {
	if err := validateOptions(opt); err != nil {
		return nil, err
	}
	s := newSession(w, r, logger)
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSession(w io.WriteCloser, r io.Reader, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		stdin: w,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
		log:   logger.Named("uci"),
	}
	go s.readLoop(r)
	return s
}

// readLoop is the only reader of the engine's output.
func (s *Session) readLoop(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		select {
		case s.lines <- strings.TrimSpace(sc.Text()):
		case <-s.done:
			return
		}
	}
	s.readErr = sc.Err()
}

type SearchRequest struct {
	FEN     string
	Moves   []string
	Limits  Limits
	MultiPV int
	// OnProgress, when set, is called after each info line that completes a
	// new depth for all requested lines.
	OnProgress func(Progress)
}

type SearchResponse struct {
	Candidates []Candidate
	BestMove   string
	Depth      int
}

// Search runs one search to completion. Cancelling ctx sends "stop" and
// drains the engine to its bestmove so that the session stays usable.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	if s.isBroken() {
		return SearchResponse{}, ErrSessionBroken
	}
	if err := s.setMultiPV(ctx, req.MultiPV); err != nil {
		return SearchResponse{}, err
	}

	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, s.fail(fmt.Errorf("send position: %w", err))
	}
	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, s.fail(fmt.Errorf("send go: %w", err))
	}

	deadline := computeSearchTimeout(req.Limits)
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	wanted := req.MultiPV
	if wanted <= 0 {
		wanted = 1
	}
	candidates := make(map[int]Candidate)
	reported := 0

	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if derr := s.drain(); derr != nil {
					return SearchResponse{}, s.fail(fmt.Errorf("stop search: %w", derr))
				}
				if ctx.Err() != nil {
					return SearchResponse{}, ctx.Err()
				}
				return SearchResponse{}, fmt.Errorf("search timed out after %s: %w", deadline, context.DeadlineExceeded)
			}
			s.log.Warn("read failed", zap.String("position", strings.TrimSpace(positionCmd)), zap.String("go", goCmd), zap.Error(err))
			return SearchResponse{}, s.fail(fmt.Errorf("read line: %w", err))
		}

		switch {
		case strings.HasPrefix(line, "info "):
			mv, cand, ok := parseInfo(line)
			if !ok {
				continue
			}
			candidates[mv] = cand
			if req.OnProgress != nil {
				if d := completeDepth(candidates, wanted); d > reported {
					reported = d
					req.OnProgress(Progress{Depth: d, Candidates: collapseCandidates(candidates)})
				}
			}
		case strings.HasPrefix(line, "bestmove"):
			parts := strings.Fields(line)
			var best string
			if len(parts) >= 2 {
				best = parts[1]
			}
			out := collapseCandidates(candidates)
			depth := 0
			for _, c := range out {
				if c.Depth > depth {
					depth = c.Depth
				}
			}
			return SearchResponse{Candidates: out, BestMove: best, Depth: depth}, nil
		}
	}
}

// completeDepth is the deepest depth at which all of the first wanted lines
// have been reported, or 0.
func completeDepth(m map[int]Candidate, wanted int) int {
	depth := 0
	for i := 1; i <= wanted; i++ {
		c, ok := m[i]
		if !ok {
			return 0
		}
		if i == 1 || c.Depth < depth {
			depth = c.Depth
		}
	}
	return depth
}

func (s *Session) drain() error {
	if err := s.send("stop\n"); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultDrainTimeout)
	defer cancel()
	return s.awaitPrefix(ctx, "bestmove")
}

func (s *Session) setMultiPV(ctx context.Context, n int) error {
	if n <= 0 || n == s.multiPV {
		return nil
	}
	if err := s.send(fmt.Sprintf("setoption name MultiPV value %d\n", n)); err != nil {
		return s.fail(fmt.Errorf("set multipv: %w", err))
	}
	if err := s.EnsureReady(ctx); err != nil {
		return s.fail(err)
	}
	s.multiPV = n
	return nil
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func validateOptions(opt Options) error {
	if opt.HashMB < 0 {
		return fmt.Errorf("hash size must be >= 0: %d", opt.HashMB)
	}
	if opt.MultiPV < 0 || opt.MultiPV > 500 {
		return fmt.Errorf("multipv out of range: %d", opt.MultiPV)
	}
	if opt.Threads < 0 {
		return fmt.Errorf("threads must be >= 0: %d", opt.Threads)
	}
	return nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		if base < 6*time.Second {
			base = 6 * time.Second
		}
		if base > 20*time.Second {
			base = 20 * time.Second
		}
		return base
	}
	return 6 * time.Second
}

func parseInfo(line string) (int, Candidate, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return 0, Candidate{}, false
	}
	var (
		multipv = 1
		depth   int
		evalCP  int
		pvIdx   = -1
	)

	for i := 0; i < len(parts); i++ {
		switch parts[i] {
		case "depth":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					depth = v
				}
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				val, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						evalCP = val
					case "mate":
						if val >= 0 {
							evalCP = mateValue
						} else {
							evalCP = -mateValue
						}
					}
				}
				i += 2
			}
		case "pv":
			pvIdx = i + 1
			i = len(parts)
		}
	}

	if pvIdx == -1 || pvIdx >= len(parts) {
		return 0, Candidate{}, false
	}
	principal := parts[pvIdx:]
	return multipv, Candidate{
		Move:      principal[0],
		EvalCP:    evalCP,
		Depth:     depth,
		Principal: append([]string(nil), principal...),
	}, true
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitPrefix(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

// NewGame clears engine hash state between unrelated positions.
func (s *Session) NewGame(ctx context.Context) error {
	s.search.Lock()
	defer s.search.Unlock()
	if err := s.send("ucinewgame\n"); err != nil {
		return s.fail(fmt.Errorf("send ucinewgame: %w", err))
	}
	return s.EnsureReady(ctx)
}

func (s *Session) Broken() bool { return s.isBroken() }

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.stdin != nil {
			_, _ = io.WriteString(s.stdin, "quit\n")
			s.stdin.Close()
		}
		s.mu.Unlock()
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			err = s.cmd.Wait()
		}
	})
	return err
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitPrefix(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}
	if err := s.applyOptions(opt); err != nil {
		return err
	}
	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitPrefix(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) applyOptions(opt Options) error {
	threads := opt.Threads
	if threads <= 0 {
		threads = 1
	}
	cmds := []string{fmt.Sprintf("setoption name Threads value %d\n", threads)}
	if opt.HashMB > 0 {
		cmds = append(cmds, fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB))
	}
	if opt.MultiPV > 0 {
		cmds = append(cmds, fmt.Sprintf("setoption name MultiPV value %d\n", opt.MultiPV))
		s.multiPV = opt.MultiPV
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
	return fmt.Errorf("%w: %w", ErrSessionBroken, err)
}

func (s *Session) isBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) awaitPrefix(ctx context.Context, prefix string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, prefix) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			if s.readErr != nil {
				return "", s.readErr
			}
			return "", io.EOF
		}
		return line, nil
	}
}
