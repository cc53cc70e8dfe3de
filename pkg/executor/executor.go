// Package executor implements the Executor (C12): a uniform execute(command)
// call-shape over either a host child process or a command run inside the
// session's container.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Command is the uniform input to Execute.
type Command struct {
	Program    string
	Args       []string
	WorkingDir string
	Env        []string
	Stdin      string
	Timeout    time.Duration
}

// Result is the uniform output of Execute.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ErrTimeout is returned when a command is aborted after Timeout elapses.
var ErrTimeout = fmt.Errorf("executor: command timed out")

// ContainerExec is the subset of the Docker Engine API needed to run a
// command inside a container; pkg/container.Manager's Docker interface
// satisfies a superset of this.
type ContainerExec interface {
	ContainerExecCreate(ctx context.Context, id string, cfg container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecStart(ctx context.Context, id string, cfg container.ExecStartOptions) error
	ContainerExecInspect(ctx context.Context, id string) (container.ExecInspect, error)
}

// ContainerEnsurer supplies the container id to run against, starting the
// container if necessary (C11's EnsureContainer).
type ContainerEnsurer interface {
	EnsureContainer(ctx context.Context) (string, error)
}

// HostExecute runs cmd as a direct child process on the host, waiting with
// an optional timeout.
func HostExecute(ctx context.Context, cmd Command) (Result, error) {
	start := time.Now()

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	execCmd.Dir = cmd.WorkingDir
	execCmd.Env = cmd.Env
	if cmd.Stdin != "" {
		execCmd.Stdin = bytes.NewBufferString(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: duration}, ErrTimeout
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Duration: duration}, fmt.Errorf("executor: host exec: %w", err)
		}
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode, Duration: duration}, nil
}

// ContainerExecute ensures the session container is running, creates an exec
// inside it, streams stdout/stderr into separate buffers, and enforces the
// timeout by racing exec-status polling against a timer, aborting by
// returning early (the exec itself is left to finish or be reaped by the
// container runtime's own limits).
func ContainerExecute(ctx context.Context, docker ContainerExec, ensurer ContainerEnsurer, cmd Command) (Result, error) {
	start := time.Now()

	containerID, err := ensurer.EnsureContainer(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("executor: ensure container: %w", err)
	}

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	full := append([]string{cmd.Program}, cmd.Args...)
	execCfg := container.ExecOptions{
		Cmd:          full,
		Env:          cmd.Env,
		WorkingDir:   cmd.WorkingDir,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  cmd.Stdin != "",
	}

	created, err := docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return Result{}, fmt.Errorf("executor: exec create: %w", err)
	}
	if err := docker.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{}); err != nil {
		return Result{}, fmt.Errorf("executor: exec start: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Result{Duration: time.Since(start)}, ErrTimeout
		default:
		}

		inspect, err := docker.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return Result{Duration: time.Since(start)}, fmt.Errorf("executor: exec inspect: %w", err)
		}
		if !inspect.Running {
			return Result{ExitCode: inspect.ExitCode, Duration: time.Since(start)}, nil
		}

		select {
		case <-ctx.Done():
			return Result{Duration: time.Since(start)}, ErrTimeout
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Allocation is the resource carve-out computed by AllocatePercentage.
type Allocation struct {
	MemoryBytes int64
	CPUQuota    int64
}

// clamp restricts p to [0, 1].
func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// AllocatePercentage returns the memory and CPU quota corresponding to a
// fraction p (clamped to [0,1]) of total host resources. CPU quota follows
// the cgroups convention of cores * p * 100000 (a 100ms period).
func AllocatePercentage(ctx context.Context, p float64) (Allocation, error) {
	p = clamp(p)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Allocation{}, fmt.Errorf("executor: read memory: %w", err)
	}

	cores := runtime.NumCPU()
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil && counts > 0 {
		cores = counts
	}

	return Allocation{
		MemoryBytes: int64(float64(vm.Total) * p),
		CPUQuota:    int64(float64(cores) * p * 100000),
	}, nil
}
