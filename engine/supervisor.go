package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSettleDelay = 1 * time.Second
	maxLineSize        = 1 << 20
)

// Supervisor owns one engine process at a time and relaunches it when it dies.
type Supervisor struct {
	log      *zap.SugaredLogger
	launcher Launcher
	tap      *Tap

	// onLine is called from the reader goroutine for every non-empty line, with the generation of the
	// process that wrote it.
	onLine func(gen uint64, line string)
	// onDeath is called from the reader goroutine when the engine's output closes, before recovery.
	onDeath func(gen uint64)

	settleDelay time.Duration

	procMut sync.Mutex
	proc    Proc
	gen     uint64

	writeMut sync.Mutex

	recoverMut sync.Mutex
	restarts   atomic.Int64
	closed     atomic.Bool
}

type SupervisorOption func(s *Supervisor)

func WithSettleDelay(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.settleDelay = d
	}
}

func WithSupervisorLogger(l *zap.SugaredLogger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor")
	}
}

func WithTap(t *Tap) SupervisorOption {
	return func(s *Supervisor) {
		s.tap = t
	}
}

func WithDeathHook(f func(gen uint64)) SupervisorOption {
	return func(s *Supervisor) {
		s.onDeath = f
	}
}

func NewSupervisor(launcher Launcher, onLine func(gen uint64, line string), opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		log:         zap.NewNop().Sugar(),
		launcher:    launcher,
		onLine:      onLine,
		onDeath:     func(uint64) {},
		settleDelay: defaultSettleDelay,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tap == nil {
		s.tap = NewTap()
	}
	return s
}

// Start launches the first engine instance. Its error is the only one the supervisor ever returns for a launch.
func (s *Supervisor) Start() error {
	if s.closed.Load() {
		return ErrClosed
	}
	p, err := s.launcher.Launch()
	if err != nil {
		return fmt.Errorf("launching engine: %w", err)
	}
	s.install(p)
	s.log.Infow("engine started", "Pid", p.Pid())
	return nil
}

// install makes p the current process and starts its reader.
func (s *Supervisor) install(p Proc) {
	s.procMut.Lock()
	s.proc = p
	s.gen++
	gen := s.gen
	s.procMut.Unlock()
	go s.readLoop(p, gen)
}

// Generation identifies the current process instance. It changes on every launch attempt.
func (s *Supervisor) Generation() uint64 {
	s.procMut.Lock()
	defer s.procMut.Unlock()
	return s.gen
}

// Pid returns the current engine's pid, or 0 if none is running.
func (s *Supervisor) Pid() int {
	s.procMut.Lock()
	defer s.procMut.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Restarts is the number of successful relaunches.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

func (s *Supervisor) Tap() *Tap {
	return s.tap
}

// Send writes one command line to the engine. It does not wait for the reply.
func (s *Supervisor) Send(cmd string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.procMut.Lock()
	p := s.proc
	s.procMut.Unlock()
	if p == nil {
		return ErrEngineDown
	}

	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	s.log.Debugw("sending", "Command", cmd)
	_, err := io.WriteString(p.Stdin(), cmd+"\n")
	if err != nil {
		return fmt.Errorf("writing %q: %w", cmd, err)
	}
	if f, ok := p.Stdin().(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flushing %q: %w", cmd, err)
		}
	}
	return nil
}

func (s *Supervisor) readLoop(p Proc, gen uint64) {
	scanner := bufio.NewScanner(p.Stdout())
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.tap.Publish(line)
		s.onLine(gen, line)
	}
	if err := scanner.Err(); err != nil {
		s.log.Debugw("reader stopped", "Generation", gen, "Error", err)
	}
	if s.closed.Load() {
		return
	}
	s.onDeath(gen)
	s.HandleProcessDeath(gen)
}

// HandleProcessDeath kills the engine instance of generation gen and launches a replacement.
// Concurrent calls for the same generation collapse into one relaunch; calls for a generation that has
// already been replaced do nothing. It reports whether this call performed the relaunch.
func (s *Supervisor) HandleProcessDeath(gen uint64) bool {
	s.recoverMut.Lock()
	defer s.recoverMut.Unlock()

	if s.closed.Load() {
		return false
	}
	s.procMut.Lock()
	if gen != s.gen {
		s.procMut.Unlock()
		return false
	}
	old := s.proc
	s.proc = nil
	s.gen++
	s.procMut.Unlock()

	s.log.Warnw("engine died, resurrecting", "Generation", gen)
	if old != nil {
		if err := old.Kill(); err != nil {
			s.log.Debugw("killing dead engine", "Error", err)
		}
	}

	p, err := s.launcher.Launch()
	if err != nil {
		// Stay down; the next failed command retries the launch with the new generation.
		s.log.Errorw("relaunching engine", "Error", err)
		return false
	}
	if s.closed.Load() {
		_ = p.Kill()
		return false
	}
	s.install(p)
	s.restarts.Add(1)
	time.Sleep(s.settleDelay)
	s.log.Infow("engine resurrected", "Pid", p.Pid(), "Restarts", s.restarts.Load())
	return true
}

// Terminate kills the engine and stops recovery. It is idempotent.
func (s *Supervisor) Terminate() error {
	if s.closed.Swap(true) {
		return nil
	}
	// wait out a relaunch in progress so its process is the one we kill
	s.recoverMut.Lock()
	defer s.recoverMut.Unlock()

	s.procMut.Lock()
	p := s.proc
	s.proc = nil
	s.procMut.Unlock()
	s.tap.Close()
	if p == nil {
		return nil
	}
	s.log.Infow("terminating engine", "Pid", p.Pid())
	return p.Kill()
}
