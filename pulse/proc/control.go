// Package proc spawns, finds and kills the OS processes of the queue.
//
// Workers are detached processes that may outlive the listener, so the
// only way to know whether one is still running is to look for its
// command line in the process table.
package proc

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/logger"
)

// DefaultWindowsHelper wraps spawned invocations on Windows
const DefaultWindowsHelper = `cmd /C start /B ""`

// Process is a live OS process
type Process struct {
	PID         int32  `json:"pid"`
	CommandLine string `json:"command_line"`
}

// Config configures a Control
type Config struct {
	Binary        string   // executable re-invoked for workers; empty means os.Executable()
	WindowsHelper string   // helper command line used on Windows; empty means DefaultWindowsHelper
	Platform      Platform // empty means DetectPlatform()
}

type lister interface {
	List(ctx context.Context) ([]Process, error)
}

type gopsutilLister struct{}

func (gopsutilLister) List(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processes")
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		// Processes exit while we iterate and some are not readable; skip them
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, Process{PID: p.Pid, CommandLine: cmdline})
	}
	return out, nil
}

// Control is the process control used by the listener, the worker and the CLI
type Control struct {
	binary   string
	helper   []string
	platform Platform
	selfPID  int32
	lister   lister
	start    func(argv []string) error
	kill     func(ctx context.Context, pid int32) error
	logger   *zap.SugaredLogger
}

// New creates a Control
func New(cfg Config, log *zap.SugaredLogger) (*Control, error) {
	binary := cfg.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve own executable")
		}
		binary = exe
	}

	helperLine := cfg.WindowsHelper
	if helperLine == "" {
		helperLine = DefaultWindowsHelper
	}
	helper, err := shellquote.Split(helperLine)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid queue.windows_helper %q", helperLine)
	}

	platform := cfg.Platform
	if platform == "" {
		platform = DetectPlatform()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Control{
		binary:   binary,
		helper:   helper,
		platform: platform,
		selfPID:  int32(os.Getpid()),
		lister:   gopsutilLister{},
		start:    startDetached,
		kill:     killProcess,
		logger:   log,
	}, nil
}

// Binary returns the executable workers are started from
func (c *Control) Binary() string { return c.binary }

// Platform returns the platform spawns are built for
func (c *Control) Platform() Platform { return c.platform }

// BuildInvocation returns the command line that runs the binary with args.
// The same args always give the same string, which is both spawned and
// searched for.
func (c *Control) BuildInvocation(args ...string) string {
	return shellquote.Join(append([]string{c.binary}, args...)...)
}

// SpawnLine wraps command so that it starts in the background
func (c *Control) SpawnLine(command string) ([]string, error) {
	if c.platform.IsWindows() {
		argv, err := shellquote.Split(command)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot split command %q", command)
		}
		return append(append([]string(nil), c.helper...), argv...), nil
	}
	return []string{"/bin/sh", "-c", command + " > /dev/null 2>&1 &"}, nil
}

// Spawn starts command in the background and then waits delay, giving the
// child time to appear in the process table. The wait ends early if ctx is done.
func (c *Control) Spawn(ctx context.Context, command string, delay time.Duration) error {
	argv, err := c.SpawnLine(command)
	if err != nil {
		return err
	}
	if err := c.start(argv); err != nil {
		return errors.Wrapf(err, "failed to spawn %s", command)
	}
	c.logger.Debugw("Spawned process", logger.FieldInvocation, command, logger.FieldPlatform, string(c.platform))

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return nil
}

// Find returns the live processes whose command line contains substring.
// Matching ignores case, quotes, path separator style and runs of
// whitespace. The calling process is never returned.
func (c *Control) Find(ctx context.Context, substring string) ([]Process, error) {
	needle := NormalizeCommandLine(substring)
	procs, err := c.lister.List(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Process
	for _, p := range procs {
		if p.PID == c.selfPID {
			continue
		}
		if strings.Contains(NormalizeCommandLine(p.CommandLine), needle) {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

// Kill forcibly terminates pid
func (c *Control) Kill(ctx context.Context, pid int32) error {
	if err := c.kill(ctx, pid); err != nil {
		return errors.Wrapf(err, "failed to kill process %d", pid)
	}
	c.logger.Infow("Killed process", logger.FieldPID, pid)
	return nil
}

// Run invokes the binary with argv in the foreground and returns its
// combined output
func (c *Control) Run(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, argv...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "%s exited with error", shellquote.Join(argv...))
	}
	return string(out), nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeCommandLine prepares a command line for substring matching
func NormalizeCommandLine(s string) string {
	s = strings.NewReplacer(`\`, "/", `"`, "", `'`, "").Replace(s)
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToLower(s)
}

func startDetached(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...)
	detach(cmd)
	return cmd.Run()
}

func killProcess(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
