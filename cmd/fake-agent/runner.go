// ABOUTME: Runs pushed scripts through the interpreter for their language under a timeout
// ABOUTME: Captures the tail of stdout and stderr and maps the outcome to a job status

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/Scryptolog1st/remoteiq-gateway/internal/jobs"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/protocol"
	"github.com/Scryptolog1st/remoteiq-gateway/internal/store"
)

const truncatedMarker = "... output truncated ...\n"

// tailBuffer keeps the last len(data) bytes written to it.
type tailBuffer struct {
	data    []byte
	head    int
	written int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{data: make([]byte, limit)}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n > len(b.data) {
		p = p[n-len(b.data):]
	}
	for len(p) > 0 {
		c := copy(b.data[b.head:], p)
		b.head = (b.head + c) % len(b.data)
		p = p[c:]
	}
	b.written += int64(n)
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.written <= int64(len(b.data)) {
		return string(b.data[:b.written])
	}
	var out bytes.Buffer
	out.Grow(len(truncatedMarker) + len(b.data))
	out.WriteString(truncatedMarker)
	out.Write(b.data[b.head:])
	out.Write(b.data[:b.head])
	return out.String()
}

type interpreter struct {
	command string
	args    []string
	ext     string
}

// interpreterFor maps a job language onto the program that runs it.
func interpreterFor(language string) (interpreter, error) {
	switch strings.ToLower(language) {
	case "bash":
		return interpreter{command: "bash", ext: ".sh"}, nil
	case "sh", "shell":
		return interpreter{command: "sh", ext: ".sh"}, nil
	case "python", "python3":
		return interpreter{command: "python3", ext: ".py"}, nil
	case "powershell", "pwsh":
		cmd := "pwsh"
		if runtime.GOOS == "windows" {
			cmd = "powershell"
		}
		return interpreter{
			command: cmd,
			args:    []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"},
			ext:     ".ps1",
		}, nil
	case "cmd", "batch":
		return interpreter{command: "cmd", args: []string{"/C"}, ext: ".bat"}, nil
	}
	return interpreter{}, fmt.Errorf("unsupported language %q", language)
}

type scriptResult struct {
	status   store.JobStatus
	exitCode *int
	stdout   string
	stderr   string
	duration time.Duration
}

type runner struct {
	maxOutput      int
	defaultTimeout time.Duration
	tempDir        string
}

func newRunner() *runner {
	return &runner{
		// Leave room for the truncation marker under the gateway's cap
		maxOutput:      jobs.MaxOutputBytes - len(truncatedMarker),
		defaultTimeout: 5 * time.Minute,
	}
}

func failedResult(start time.Time, err error) scriptResult {
	code := -1
	return scriptResult{
		status:   store.JobStatusFailed,
		exitCode: &code,
		stderr:   err.Error(),
		duration: time.Since(start),
	}
}

// run executes the script. It always returns a terminal result.
func (r *runner) run(ctx context.Context, job *protocol.RunScript) scriptResult {
	start := time.Now()

	interp, err := interpreterFor(job.Language)
	if err != nil {
		return failedResult(start, err)
	}

	f, err := os.CreateTemp(r.tempDir, "remoteiq-job-*"+interp.ext)
	if err != nil {
		return failedResult(start, fmt.Errorf("creating script file: %w", err))
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(job.ScriptText); err != nil {
		f.Close()
		return failedResult(start, fmt.Errorf("writing script file: %w", err))
	}
	if err := f.Close(); err != nil {
		return failedResult(start, fmt.Errorf("writing script file: %w", err))
	}

	timeout := r.defaultTimeout
	if job.TimeoutSec > 0 {
		timeout = time.Duration(job.TimeoutSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, interp.args...), f.Name())
	args = append(args, job.Args...)
	cmd := exec.CommandContext(runCtx, interp.command, args...)
	cmd.Env = os.Environ()
	for k, v := range job.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Children that inherit the pipes must not keep Wait blocked after a kill
	cmd.WaitDelay = time.Second

	stdout := newTailBuffer(r.maxOutput)
	stderr := newTailBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	res := scriptResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.status = store.JobStatusTimeout
	case err == nil:
		code := 0
		res.status = store.JobStatusSucceeded
		res.exitCode = &code
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		res.status = store.JobStatusFailed
		res.exitCode = &code
	default:
		code := -1
		res.status = store.JobStatusFailed
		res.exitCode = &code
		if res.stderr != "" {
			res.stderr += "\n"
		}
		res.stderr += "execution error: " + err.Error()
	}
	return res
}
