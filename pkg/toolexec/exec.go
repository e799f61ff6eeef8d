// Package toolexec runs the external collaborators (version oracle,
// vulnerability scanner, dependency auditor) as child processes.
package toolexec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Spec struct {
	// Name identifies the tool in logs and errors.
	Name    string
	Argv    []string
	Env     map[string]string
	WorkDir string
}

type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

type Options struct {
	ShutdownTimeout time.Duration
}

// Exec runs each command in its own process group so a cancelled run takes
// the whole tool tree down with it.
type Exec struct {
	opts Options
}

var _ Runner = (*Exec)(nil)

func New(opts Options) *Exec {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 2 * time.Second
	}
	return &Exec{opts: opts}
}

func (e *Exec) Run(ctx context.Context, spec Spec) (Result, error) {
	if len(spec.Argv) == 0 {
		return Result{}, errors.Errorf("%s: empty command", spec.Name)
	}
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return signalGroup(cmd, syscall.SIGTERM) }
	cmd.WaitDelay = e.opts.ShutdownTimeout

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	log.Debug().Str("tool", spec.Name).Strs("argv", spec.Argv).Str("dir", spec.WorkDir).Msg("running tool")
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if ctx.Err() != nil {
			_ = signalGroup(cmd, syscall.SIGKILL)
			return res, errors.Wrapf(ctx.Err(), "%s", spec.Name)
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return res, &ToolError{Tool: spec.Name, ExitCode: res.ExitCode, Stderr: tail(res.Stderr, 512)}
		}
		return res, errors.Wrapf(err, "%s: start", spec.Name)
	}
	return res, nil
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, sig)
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// Expand substitutes {key} placeholders in every argument.
func Expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
