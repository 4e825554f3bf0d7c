package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Proc is one running engine instance.
type Proc interface {
	// Stdin is the command sink.
	Stdin() io.Writer
	// Stdout is the line source. Reads return io.EOF once the engine has exited.
	Stdout() io.Reader
	// Kill forcibly terminates the engine. It must be safe to call more than once.
	Kill() error
	Pid() int
}

// Launcher starts engine instances.
type Launcher interface {
	Launch() (Proc, error)
}

type LauncherFunc func() (Proc, error)

func (f LauncherFunc) Launch() (Proc, error) { return f() }

// ExecLauncher launches the engine as a child process with a fixed argument vector.
// The engine's stderr is merged into its stdout, since some engines print chat lines there.
type ExecLauncher struct {
	Argv []string
	Env  []string
	Dir  string
	Log  *zap.SugaredLogger
}

func NewExecLauncher(argv []string, log *zap.SugaredLogger) *ExecLauncher {
	return &ExecLauncher{Argv: argv, Log: log.Named("launcher")}
}

func (l *ExecLauncher) Launch() (Proc, error) {
	if len(l.Argv) == 0 {
		return nil, errors.New("empty engine command line")
	}
	cmd := exec.Command(l.Argv[0], l.Argv[1:]...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	// Not StdoutPipe: Wait closes that pipe as soon as the process exits, racing the reader for the
	// last lines. Our read end stays open until Kill.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stdoutW

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("starting %q: %w", l.Argv[0], err)
	}
	p := &execProc{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	go p.wait(l.Log)
	l.Log.Debugw("engine started", "Pid", cmd.Process.Pid, "Argv", l.Argv)
	return p, nil
}

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	exited   chan struct{}
	killOnce sync.Once
	killErr  error
}

func (p *execProc) Stdin() io.Writer  { return p.stdin }
func (p *execProc) Stdout() io.Reader { return p.stdout }
func (p *execProc) Pid() int          { return p.cmd.Process.Pid }

// wait reaps the child so it does not linger as a zombie.
func (p *execProc) wait(log *zap.SugaredLogger) {
	err := p.cmd.Wait()
	close(p.exited)
	log.Debugw("engine exited", "Pid", p.cmd.Process.Pid, "ExitCode", p.cmd.ProcessState.ExitCode(), "Error", err)
}

func (p *execProc) Kill() error {
	p.killOnce.Do(func() {
		defer p.stdout.Close()
		_ = p.stdin.Close()
		select {
		case <-p.exited:
			return
		default:
		}
		err := p.cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = fmt.Errorf("killing engine pid %d: %w", p.cmd.Process.Pid, err)
			return
		}
		<-p.exited
	})
	return p.killErr
}
