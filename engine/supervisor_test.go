package engine

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const shEngine = `
while read -r line; do
	case "$line" in
		genmove*) echo "CHAT:Visits 5 Winrate 55.00%" >&2; echo "= D4"; echo ;;
		kata-analyze*) echo "="; echo "info move D4 visits 1 ownership 0.9 -0.9" ;;
		crash) exit 3 ;;
		*) echo "= "; echo ;;
	esac
done
`

func requireShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no sh in PATH")
	}
}

func newTestSupervisor(t *testing.T, l Launcher, onLine func(uint64, string)) *Supervisor {
	s := NewSupervisor(l, onLine, WithSettleDelay(0), WithSupervisorLogger(testLogger.Sugar()))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Terminate() })
	return s
}

func TestSupervisorConcurrentRecoveryRelaunchesOnce(t *testing.T) {
	e := newFakeEngine(func(p *fakeProc, launch int, cmd string) {})
	s := newTestSupervisor(t, e, func(uint64, string) {})
	gen := s.Generation()

	var relaunched atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.HandleProcessDeath(gen) {
				relaunched.Add(1)
			}
		}()
	}
	wg.Wait()

	// the killed process's reader also tries, for the same stale generation
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, relaunched.Load())
	assert.Equal(t, 2, e.Launches())
	assert.EqualValues(t, 1, s.Restarts())
	assert.Greater(t, s.Generation(), gen)
}

func TestSupervisorRecoversFromExit(t *testing.T) {
	e := newFakeEngine(func(p *fakeProc, launch int, cmd string) {
		if cmd == "quit" {
			p.die()
		}
	})
	var deaths []uint64
	var mu sync.Mutex
	s := NewSupervisor(e, func(uint64, string) {},
		WithSettleDelay(0),
		WithSupervisorLogger(testLogger.Sugar()),
		WithDeathHook(func(gen uint64) {
			mu.Lock()
			defer mu.Unlock()
			deaths = append(deaths, gen)
		}),
	)
	require.NoError(t, s.Start())
	defer s.Terminate()
	gen := s.Generation()

	require.NoError(t, s.Send("quit"))
	require.Eventually(t, func() bool { return s.Restarts() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1002, s.Pid())

	mu.Lock()
	assert.Equal(t, []uint64{gen}, deaths)
	mu.Unlock()
}

func TestSupervisorTerminate(t *testing.T) {
	e := newFakeEngine(func(p *fakeProc, launch int, cmd string) {})
	s := newTestSupervisor(t, e, func(uint64, string) {})
	lines, _ := s.Tap().Subscribe(1)

	require.NoError(t, s.Terminate())
	require.NoError(t, s.Terminate())
	assert.ErrorIs(t, s.Send("genmove b"), ErrClosed)
	assert.False(t, s.HandleProcessDeath(s.Generation()))
	assert.Equal(t, 0, s.Pid())
	assert.ErrorIs(t, s.Start(), ErrClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, e.Launches())
	_, ok := <-lines
	assert.False(t, ok)
}

func TestSupervisorSendWhileDown(t *testing.T) {
	var e *fakeEngine
	e = newFakeEngine(func(p *fakeProc, launch int, cmd string) {})
	s := newTestSupervisor(t, e, func(uint64, string) {})

	e.mu.Lock()
	e.failNext = true
	e.mu.Unlock()
	assert.False(t, s.HandleProcessDeath(s.Generation()))
	assert.ErrorIs(t, s.Send("clear_board"), ErrEngineDown)

	assert.True(t, s.HandleProcessDeath(s.Generation()))
	assert.NoError(t, s.Send("clear_board"))
	e.waitForCommand(t, "clear_board")
}

func TestExecSession(t *testing.T) {
	requireShell(t)
	s, err := NewExec([]string{"sh", "-c", shEngine},
		WithLogger(testLogger),
		WithRecoverySettleDelay(0),
		WithResponseTimeout(5*time.Second),
	)
	require.NoError(t, err)
	defer s.Close()

	move, err := s.SelectMove(context.Background(), []string{"Q16", "D16"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "D4", move.String())
	assert.InDelta(t, 0.55, s.Diagnostics().WinProb, 1e-9)

	probs, err := s.Score(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.9", "-0.9"}, probs)
}

func TestExecSessionLoggerNames(t *testing.T) {
	requireShell(t)
	core, logs := observer.New(zap.DebugLevel)
	s, err := NewExec([]string{"sh", "-c", shEngine}, WithLogger(zap.New(core)), WithRecoverySettleDelay(0))
	require.NoError(t, err)
	defer s.Close()

	started := logs.FilterMessage("engine started").All()
	require.NotEmpty(t, started)
	var names []string
	for _, e := range started {
		names = append(names, e.LoggerName)
	}
	assert.Contains(t, names, "launcher")
	assert.Contains(t, names, "supervisor")
}

func TestExecSupervisorCrash(t *testing.T) {
	requireShell(t)
	s := newTestSupervisor(t, NewExecLauncher([]string{"sh", "-c", shEngine}, testLogger.Sugar()), func(uint64, string) {})
	pid := s.Pid()
	require.NotZero(t, pid)

	require.NoError(t, s.Send("crash"))
	require.Eventually(t, func() bool { return s.Restarts() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEqual(t, pid, s.Pid())
	assert.NotZero(t, s.Pid())
}

func TestExecLaunchFailure(t *testing.T) {
	_, err := NewExec([]string{"/nonexistent/katago", "gtp"}, WithLogger(testLogger))
	require.Error(t, err)

	_, err = NewExecLauncher(nil, testLogger.Sugar()).Launch()
	require.Error(t, err)
}
