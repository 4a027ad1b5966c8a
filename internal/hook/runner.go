// Package hook runs notification commands configured for bundle processes.
package hook

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var ErrInProgress = errors.New("hook in progress")

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Runner runs hook commands. Only one command per key runs at a time.
type Runner struct {
	mx      sync.Mutex
	running map[string]struct{}
}

func NewRunner() *Runner {
	return &Runner{
		running: make(map[string]struct{}),
	}
}

// Run executes proto and waits for it. It returns ErrInProgress if a command
// with the same key is running. A non-zero exit is returned as
// *exec.ExitError.
func (r *Runner) Run(ctx context.Context, key string, proto Command, stderrFunc StderrFunc) (Result, error) {
	r.mx.Lock()
	if _, ok := r.running[key]; ok {
		r.mx.Unlock()
		return Result{Err: ErrInProgress}, ErrInProgress
	}
	r.running[key] = struct{}{}
	r.mx.Unlock()
	defer func() {
		r.mx.Lock()
		delete(r.running, key)
		r.mx.Unlock()
	}()

	result := Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, result.Path, result.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			result.Err = err
			return result, err
		}
	}
	var buf bytes.Buffer
	result.Stdout = &buf
	cmd.Stdout = &buf

	result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		result.Stopped = time.Now().UTC()
		result.Err = err
		return result, err
	}

	var wg sync.WaitGroup
	if stderr != nil {
		wg.Go(func() {
			processStderr(ctx, stderr, stderrFunc)
		})
	}
	wg.Wait()
	err := cmd.Wait()
	result.Stopped = time.Now().UTC()
	result.State = cmd.ProcessState
	result.Err = err
	if err != nil {
		return result, fmt.Errorf("hook %s: %w", proto.Path, err)
	}
	return result, nil
}

// Running reports whether a command with key is running.
func (r *Runner) Running(key string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	_, ok := r.running[key]
	return ok
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}
