// Package proc runs external tools and tracks them so that a caller on
// a different request path (pause, stop, skip) can locate and kill the
// subprocess it did not spawn.
package proc

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/sandeep1995/doublelift/faults"
)

type Result struct {
	ExitCode int
	Output   string
	Err      error
}

// Handle is one running subprocess: a line stream of combined
// stdout+stderr, a kill signal, and a completion future.
type Handle struct {
	tool string

	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu     sync.Mutex
	killed bool
	result Result
}

// Start launches tool with args in dir. A missing binary is a
// configuration error, never retried.
func Start(tool string, args []string, dir string) (*Handle, error) {
	log.Infoln(tool, strings.Join(args, " "))

	cmd := exec.Command(tool, args...)
	cmd.Dir = dir

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &faults.ConfigurationError{Missing: tool + " not found in PATH"}
		}
		return nil, err
	}
	pw.Close() // child holds the write end now

	h := &Handle{
		tool:  tool,
		cmd:   cmd,
		lines: make(chan string, 256),
		done:  make(chan struct{}),
	}

	scanDone := make(chan struct{})
	var output strings.Builder
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			output.WriteString(line)
			output.WriteString("\n")
			select {
			case h.lines <- line:
			default: // nobody is reading fast enough, drop
			}
		}
		pr.Close()
		close(h.lines)
	}()

	go func() {
		<-scanDone
		err := cmd.Wait()
		h.mu.Lock()
		h.result = Result{
			ExitCode: exitCode(cmd, err),
			Output:   output.String(),
			Err:      err,
		}
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// Lines streams combined output one line at a time. The channel closes
// when the subprocess closes its output.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Kill requests termination. The subprocess is not gone until Wait
// returns; callers must still await completion.
func (h *Handle) Kill() {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	if h.cmd.Process != nil {
		h.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (h *Handle) Killed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// Wait blocks until the subprocess exits and all output is collected.
func (h *Handle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// exitCode reports the shell-style exit code, so a SIGTERM death shows
// up as 143 rather than Go's -1.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// Cancelled reports whether the exit looks like a requested
// termination (SIGTERM or SIGINT) rather than a tool failure.
func (r Result) Cancelled() bool {
	return r.ExitCode == 15 || r.ExitCode == 143 || r.ExitCode == 130
}

// Classify maps a completed run onto the error taxonomy. outputExists
// covers tools that skip existing files but exit nonzero anyway: if the
// expected output is on disk the run counts as a success.
func Classify(tool string, res Result, outputExists bool) error {
	if res.ExitCode == 0 {
		return nil
	}
	if res.Cancelled() {
		return faults.ErrCancelled
	}
	if outputExists {
		log.Warnf("%s exited with code %d but output exists, treating as success", tool, res.ExitCode)
		return nil
	}
	return &faults.ExternalToolFailure{
		Tool:     tool,
		ExitCode: res.ExitCode,
		Output:   tail(res.Output, 2000),
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
