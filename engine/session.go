package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/gtpbot/gtp"
	"go.uber.org/zap"
)

const (
	// DefaultResponseTimeout bounds how long a move or score waits for the engine.
	DefaultResponseTimeout = 20 * time.Second
	// UnknownWinProb is reported when no win rate has been seen during the current operation.
	UnknownWinProb = -1.0

	defaultAnalyzeInterval = 100
)

// Diagnostics describes the last operation.
type Diagnostics struct {
	WinProb float64 `json:"winprob"`
}

func (d Diagnostics) WinProbKnown() bool { return d.WinProb >= 0 }

// Health describes the supervised process.
type Health struct {
	Running    bool   `json:"running"`
	Pid        int    `json:"pid"`
	Generation uint64 `json:"generation"`
	Restarts   int64  `json:"restarts"`
}

// reply is what the reader hands to the waiting operation.
type reply struct {
	// dead is set when the engine's output closed while the operation was waiting.
	dead     bool
	payload  string
	move     gtp.Move
	moveOK   bool
	analysis string
}

// Session is a bot backed by one supervised engine process.
// Operations are serialized; each one sends its commands and waits for a single answer.
type Session struct {
	rootLog   *zap.SugaredLogger
	log       *zap.SugaredLogger
	engineLog *zap.SugaredLogger

	sup  *Supervisor
	slot *Slot[reply]
	turn chan struct{}

	responseTimeout time.Duration
	passReplayLimit int
	analyzeInterval int
	firstColor      gtp.Color
	supOpts         []SupervisorOption

	stateMut  sync.Mutex
	winProb   float64
	lastColor gtp.Color
	stopSent  bool
	// analyzing is set while a Score waits, so late analysis lines cannot answer a later operation.
	analyzing bool
	opGen     uint64
	inFlight  bool
}

type Option func(s *Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.rootLog = l.Sugar()
		s.log = l.Named("session").Sugar()
		s.engineLog = l.Named("engine_output").Sugar()
		s.supOpts = append(s.supOpts, WithSupervisorLogger(l.Sugar()))
	}
}

func WithResponseTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.responseTimeout = d
	}
}

// WithRecoverySettleDelay sets how long a relaunched engine is given before it is used.
func WithRecoverySettleDelay(d time.Duration) Option {
	return func(s *Session) {
		s.supOpts = append(s.supOpts, WithSettleDelay(d))
	}
}

// WithPassReplayLimit sets the last history index at which passes are still replayed.
func WithPassReplayLimit(n int) Option {
	return func(s *Session) {
		s.passReplayLimit = n
	}
}

// WithAnalyzeInterval sets the kata-analyze reporting interval, in centiseconds.
func WithAnalyzeInterval(n int) Option {
	return func(s *Session) {
		s.analyzeInterval = n
	}
}

// New starts an engine with launcher and returns a session driving it.
// A launch failure is returned; every later failure is recovered from.
func New(launcher Launcher, opts ...Option) (*Session, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Session{
		rootLog:         logger.Sugar(),
		log:             logger.Named("session").Sugar(),
		engineLog:       logger.Named("engine_output").Sugar(),
		slot:            NewSlot[reply](),
		turn:            make(chan struct{}, 1),
		responseTimeout: DefaultResponseTimeout,
		passReplayLimit: gtp.DefaultPassReplayLimit,
		analyzeInterval: defaultAnalyzeInterval,
		firstColor:      gtp.Black,
		supOpts:         []SupervisorOption{WithSupervisorLogger(logger.Sugar())},
		winProb:         UnknownWinProb,
	}
	for _, o := range opts {
		o(s)
	}
	supOpts := append(s.supOpts, WithDeathHook(s.handleDeath))
	s.sup = NewSupervisor(launcher, s.handleLine, supOpts...)
	if err := s.sup.Start(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewExec starts the engine command line argv as a child process.
func NewExec(argv []string, opts ...Option) (*Session, error) {
	var launcher *ExecLauncher
	lf := LauncherFunc(func() (Proc, error) { return launcher.Launch() })
	opts = append(opts, func(s *Session) {
		launcher = NewExecLauncher(argv, s.rootLog)
	})
	return New(lf, opts...)
}

// SelectMove establishes the position from history and asks the engine for the next move.
// ctx only bounds waiting for an earlier operation to finish; a sent command always runs to its reply or timeout.
func (s *Session) SelectMove(ctx context.Context, history []string, cfg Config) (gtp.Move, error) {
	if err := s.acquire(ctx); err != nil {
		return gtp.Move{}, err
	}
	defer s.release()

	gen := s.begin()
	next, err := s.replay(history, cfg)
	if err != nil {
		return gtp.Move{}, s.sendFailed(gen, err)
	}

	s.stateMut.Lock()
	s.lastColor = next
	s.stateMut.Unlock()

	err = s.sup.Send(gtp.GenMove(next))
	if err != nil {
		return gtp.Move{}, s.sendFailed(gen, err)
	}

	r, err := s.await(gen, "genmove")
	if err != nil {
		return gtp.Move{}, err
	}
	if !r.moveOK {
		return gtp.Move{}, fmt.Errorf("%w: %q", ErrNoMove, r.payload)
	}
	s.log.Infow("engine move", "Move", r.move.String(), "Color", next, "WinProb", s.Diagnostics().WinProb)
	return r.move, nil
}

// Score asks the engine for per-point ownership of the current position.
// The engine's board is whatever the previous operation left, unless cfg asks for replay_history.
func (s *Session) Score(ctx context.Context, history []string, cfg Config) ([]string, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	gen := s.begin()
	s.stateMut.Lock()
	s.analyzing = true
	s.stateMut.Unlock()
	if cfg.ReplayHistory() {
		if _, err := s.replay(history, cfg); err != nil {
			return nil, s.sendFailed(gen, err)
		}
	}

	err := s.sup.Send(gtp.KataAnalyze(s.analyzeInterval, true))
	if err != nil {
		return nil, s.sendFailed(gen, err)
	}

	r, err := s.await(gen, "kata-analyze")
	if err != nil {
		return nil, err
	}
	if r.analysis == "" {
		return nil, fmt.Errorf("%w: got reply %q", ErrNoOwnership, r.payload)
	}
	probs, ok := gtp.Ownership(r.analysis)
	if !ok {
		return nil, ErrNoOwnership
	}
	return probs, nil
}

// ApplyHistory sets up the engine's board from history without asking for a move.
func (s *Session) ApplyHistory(ctx context.Context, history []string, cfg Config) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	gen := s.begin()
	next, err := s.replay(history, cfg)
	if err != nil {
		return s.sendFailed(gen, err)
	}
	s.stateMut.Lock()
	s.lastColor = next
	s.stateMut.Unlock()
	return nil
}

func (s *Session) Diagnostics() Diagnostics {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return Diagnostics{WinProb: s.winProb}
}

// LastColor is the color of the last genmove, or the side to move after the last applied history.
func (s *Session) LastColor() gtp.Color {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return s.lastColor
}

func (s *Session) Health() Health {
	pid := s.sup.Pid()
	return Health{
		Running:    pid != 0,
		Pid:        pid,
		Generation: s.sup.Generation(),
		Restarts:   s.sup.Restarts(),
	}
}

// Subscribe streams raw engine output lines until the returned func is called or the session closes.
func (s *Session) Subscribe(buf int) (<-chan string, func()) {
	return s.sup.Tap().Subscribe(buf)
}

// Close kills the engine. It is safe to call more than once.
func (s *Session) Close() error {
	return s.sup.Terminate()
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() {
	s.stateMut.Lock()
	s.inFlight = false
	s.analyzing = false
	s.stateMut.Unlock()
	<-s.turn
}

// begin resets per-operation state and returns the engine generation the operation runs against.
func (s *Session) begin() uint64 {
	gen := s.sup.Generation()
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	s.slot.Reset()
	s.winProb = UnknownWinProb
	s.stopSent = false
	s.analyzing = false
	s.opGen = gen
	s.inFlight = true
	return gen
}

// replay sends komi, clear_board and the history. It returns the color to move next.
func (s *Session) replay(history []string, cfg Config) (gtp.Color, error) {
	plays, next := gtp.Replay(history, s.firstColor, s.passReplayLimit)
	cmds := append([]string{gtp.Komi(cfg.Komi()), gtp.ClearBoard}, plays...)
	for _, cmd := range cmds {
		if err := s.sup.Send(cmd); err != nil {
			return "", err
		}
	}
	return next, nil
}

func (s *Session) await(gen uint64, what string) (reply, error) {
	r, ok := s.slot.Await(s.responseTimeout)
	if !ok {
		s.log.Warnw("engine response timeout", "Command", what, "Timeout", s.responseTimeout)
		s.sup.HandleProcessDeath(gen)
		return reply{}, fmt.Errorf("%w: %s timed out after %s", ErrNoResponse, what, s.responseTimeout)
	}
	if r.dead {
		// Usually a no-op: the reader is already relaunching. Waits for it to finish.
		s.sup.HandleProcessDeath(gen)
		return reply{}, fmt.Errorf("%w: engine exited during %s", ErrNoResponse, what)
	}
	return r, nil
}

func (s *Session) sendFailed(gen uint64, err error) error {
	if errors.Is(err, ErrClosed) {
		return err
	}
	s.log.Warnw("sending to engine failed", "Error", err)
	s.sup.HandleProcessDeath(gen)
	return fmt.Errorf("%w: %v", ErrNoResponse, err)
}

// handleDeath runs on the dying reader. Only the operation waiting on that process is woken.
func (s *Session) handleDeath(gen uint64) {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	if s.current(gen) {
		s.slot.Deliver(reply{dead: true})
	}
}

// handleLine runs on the reader goroutine and must not block on anything but a command write.
// Only lines from the process the current operation was sent to can answer it.
func (s *Session) handleLine(gen uint64, text string) {
	s.stateMut.Lock()
	wantWinrate := s.current(gen) && s.winProb < 0
	s.stateMut.Unlock()

	line := gtp.ParseLine(text, wantWinrate)
	switch line.Kind {
	case gtp.LineWinrate:
		s.stateMut.Lock()
		if s.current(gen) && s.winProb < 0 {
			s.winProb = line.WinProb
		}
		s.stateMut.Unlock()
		s.engineLog.Debugw("win rate", "WinProb", line.WinProb)
	case gtp.LineLog:
		s.engineLog.Info(line.Text)
	case gtp.LineReply:
		if line.Payload == "" {
			return
		}
		r := reply{payload: line.Payload}
		mv, err := gtp.ParseMove(line.Payload)
		if err == nil {
			r.move = mv
			r.moveOK = true
		} else {
			s.engineLog.Debugw("reply is not a move", "Reply", line.Payload, "Error", err)
		}
		s.deliver(gen, r)
	case gtp.LineAnalysis:
		s.stateMut.Lock()
		first := s.current(gen) && s.analyzing && !s.stopSent
		if first {
			s.stopSent = true
		}
		s.stateMut.Unlock()
		if !first {
			s.engineLog.Debugw("ignoring analysis", "Line", line.Text)
			return
		}
		if err := s.sup.Send(gtp.Stop); err != nil {
			s.log.Warnw("stopping analysis", "Error", err)
		}
		s.deliver(gen, reply{analysis: line.Text})
	case gtp.LineError:
		s.engineLog.Warnw("engine error reply", "Reply", line.Payload)
	default:
		s.engineLog.Debug(line.Text)
	}
}

// current reports whether an operation is waiting on the process of generation gen. stateMut must be held.
func (s *Session) current(gen uint64) bool {
	return s.inFlight && s.opGen == gen
}

func (s *Session) deliver(gen uint64, r reply) {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	if !s.current(gen) {
		s.engineLog.Debugw("dropping stale reply", "Generation", gen, "Reply", r.payload)
		return
	}
	s.slot.Deliver(r)
}
