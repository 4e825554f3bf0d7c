package engine

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLogger *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	testLogger = l
}

// script decides how the fake engine answers cmd. launch is the 1-based launch count of p.
type script func(p *fakeProc, launch int, cmd string)

// fakeEngine is a Launcher whose processes are goroutines speaking GTP over in-memory pipes.
type fakeEngine struct {
	script script

	mu       sync.Mutex
	launches int
	procs    []*fakeProc
	cmds     []string
	failNext bool
}

func newFakeEngine(s script) *fakeEngine {
	return &fakeEngine{script: s}
}

func (e *fakeEngine) Launch() (Proc, error) {
	e.mu.Lock()
	if e.failNext {
		e.failNext = false
		e.mu.Unlock()
		return nil, io.ErrUnexpectedEOF
	}
	e.launches++
	launch := e.launches
	outR, outW := io.Pipe()
	p := &fakeProc{
		pid:  1000 + launch,
		in:   &cmdSink{cmds: make(chan string, 1024)},
		outR: outR,
		outW: outW,
	}
	e.procs = append(e.procs, p)
	e.mu.Unlock()

	go func() {
		for cmd := range p.in.cmds {
			e.mu.Lock()
			e.cmds = append(e.cmds, cmd)
			e.mu.Unlock()
			e.script(p, launch, cmd)
		}
	}()
	return p, nil
}

func (e *fakeEngine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.launches
}

func (e *fakeEngine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cmds...)
}

func (e *fakeEngine) ClearCommands() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cmds = nil
}

// waitForCommand waits until the engine has received cmd.
func (e *fakeEngine) waitForCommand(t *testing.T, cmd string) {
	require.Eventually(t, func() bool {
		for _, c := range e.Commands() {
			if c == cmd {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

type fakeProc struct {
	pid  int
	in   *cmdSink
	outR *io.PipeReader
	outW *io.PipeWriter

	killOnce sync.Once
}

func (p *fakeProc) Stdin() io.Writer  { return p.in }
func (p *fakeProc) Stdout() io.Reader { return p.outR }
func (p *fakeProc) Pid() int          { return p.pid }

func (p *fakeProc) Kill() error {
	p.die()
	return nil
}

// die closes the engine's output, as a crash would.
func (p *fakeProc) die() {
	p.killOnce.Do(func() {
		p.in.Close()
		p.outW.Close()
	})
}

func (p *fakeProc) emit(lines ...string) {
	for _, l := range lines {
		_, _ = p.outW.Write([]byte(l + "\n"))
	}
}

// cmdSink never blocks the writer, like a pipe with a generous buffer.
type cmdSink struct {
	mu     sync.Mutex
	closed bool
	buf    []byte
	cmds   chan string
}

func (c *cmdSink) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	c.buf = append(c.buf, b...)
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			break
		}
		c.cmds <- string(c.buf[:i])
		c.buf = c.buf[i+1:]
	}
	return len(b), nil
}

func (c *cmdSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.cmds)
	}
}

// katago answers like a KataGo GTP engine: chat before a genmove reply, streaming analysis until stopped.
func katago(move string) script {
	return func(p *fakeProc, launch int, cmd string) {
		switch {
		case strings.HasPrefix(cmd, "genmove"):
			p.emit("CHAT:Visits 812 Winrate 44.37% ScoreLead -1.2 PV C3 D4", "= "+move, "")
		case strings.HasPrefix(cmd, "kata-analyze"):
			p.emit("=", "info move C4 visits 10 winrate 0.5 ownership 0.1 0.2 -0.3", "info move C4 visits 20 winrate 0.5 ownership 0.4 0.5 0.6")
		case cmd == "stop":
			p.emit("= ", "")
		default:
			p.emit("= ", "")
		}
	}
}

func newTestSession(t *testing.T, l Launcher, opts ...Option) *Session {
	opts = append([]Option{
		WithLogger(testLogger),
		WithRecoverySettleDelay(0),
		WithResponseTimeout(2 * time.Second),
	}, opts...)
	s, err := New(l, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
