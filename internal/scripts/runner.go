package scripts

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Post-script exit codes understood by the core.
const (
	ExitParCheckCurrent = 91
	ExitParCheckAll     = 92
	ExitSuccess         = 93
	ExitError           = 94
	ExitNone            = 95
)

// Directive is an `[NZB] key=value` side-effect emitted by a script.
type Directive struct {
	Key   string
	Value string
}

// Output routes script stdout lines: free-form log lines with their kind,
// and [NZB] directives.
type Output struct {
	// Log receives every non-directive line with the kind parsed from its
	// [INFO]/[WARNING]/[ERROR]/[DETAIL]/[DEBUG] prefix; kind defaults to
	// "INFO".
	Log func(kind, text string)
	// Directive receives [NZB] lines.
	Directive func(d Directive)
}

// Command describes one external script invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// Grace is how long a cancelled process may run after SIGTERM before
	// it is killed.
	Grace time.Duration
}

// Runner spawns external scripts, streams their stdout line by line and
// enforces the graceful-then-forced termination discipline.
type Runner struct {
	log *slog.Logger
}

// NewRunner creates a script runner.
func NewRunner() *Runner {
	return &Runner{log: slog.Default().With("component", "script-runner")}
}

// Run executes the command, routing output until the process exits or ctx
// is cancelled. Returns the exit code; -1 when the process never ran.
func (r *Runner) Run(ctx context.Context, cmd Command, out Output) (int, error) {
	grace := cmd.Grace
	if grace == 0 {
		grace = 5 * time.Second
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = grace

	stdout, err := c.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.routeLines(bufio.NewScanner(stdout), out)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if out.Log != nil {
				out.Log("ERROR", scanner.Text())
			}
		}
	}()
	wg.Wait()

	err = c.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("wait %s: %w", cmd.Path, err)
	}
	return 0, nil
}

func (r *Runner) routeLines(scanner *bufio.Scanner, out Output) {
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "[NZB] ") {
			body := strings.TrimPrefix(line, "[NZB] ")
			d := Directive{Key: body}
			if eq := strings.IndexByte(body, '='); eq >= 0 {
				d.Key = body[:eq]
				d.Value = body[eq+1:]
			}
			if out.Directive != nil {
				out.Directive(d)
			}
			continue
		}
		kind, text := "INFO", line
		for _, prefix := range []string{"INFO", "WARNING", "ERROR", "DETAIL", "DEBUG"} {
			tag := "[" + prefix + "] "
			if strings.HasPrefix(line, tag) {
				kind, text = prefix, strings.TrimPrefix(line, tag)
				break
			}
		}
		if out.Log != nil {
			out.Log(kind, text)
		}
	}
}
