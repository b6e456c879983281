package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/pkg/errors"

	"github.com/huykn/shard-coordinator/ipc"
)

// Environment variables passed to every worker.
const (
	EnvShardID    = "SHARD_ID"
	EnvShardCount = "SHARD_COUNT"
)

// ShardSpec identifies the shard a worker serves.
type ShardSpec struct {
	ID    int
	Count int
}

// Process is a running worker.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Conn is the IPC stream to the worker.
	Conn() io.ReadWriteCloser

	// Wait blocks until the process exits. It is called once.
	Wait() error

	// Terminate asks the process to stop.
	Terminate() error

	// Kill stops the process immediately.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec ShardSpec) (Process, error)
}

// ExecSpawner runs Command as a child process.
// The worker reads requests on stdin and writes responses on stdout.
type ExecSpawner struct {
	Command string
	Args    []string
	Env     []string

	// Stderr receives the worker's stderr. Defaults to os.Stderr.
	Stderr io.Writer
}

// Spawn starts one worker for spec.
func (s *ExecSpawner) Spawn(_ context.Context, spec ShardSpec) (Process, error) {
	// The child must outlive the spawn call, so it is not bound to ctx.
	cmd := exec.Command(s.Command, s.Args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Env = append(cmd.Env,
		EnvShardID+"="+strconv.Itoa(spec.ID),
		EnvShardCount+"="+strconv.Itoa(spec.Count),
	)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "create stdin pipe")
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, errors.Wrap(err, "create stdout pipe")
	}
	cmd.Stdin = childIn
	cmd.Stdout = childOut

	err = cmd.Start()
	childIn.Close()
	childOut.Close()
	if err != nil {
		parentOut.Close()
		parentIn.Close()
		return nil, errors.Wrapf(err, "start shard %d", spec.ID)
	}

	return &execProcess{cmd: cmd, conn: ipc.NewStream(parentIn, parentOut)}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn io.ReadWriteCloser
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Conn() io.ReadWriteCloser {
	return p.conn
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	p.conn.Close()
	return err
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
