package detector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/sentry/pkg/mpart"
)

// SubprocessBackend spawns the detection worker as a local child process.
// This is the fallback path when the remote worker service is unreachable.
// The child's stdout is the frame stream, and stderr is captured into our log.
type SubprocessBackend struct {
	log      logs.Log
	program  string   // eg "python"
	baseArgs []string // eg ["detect.py"]

	lock          sync.Mutex
	cmd           *exec.Cmd
	stdout        io.ReadCloser
	died          chan error
	stopRequested bool
}

func NewSubprocessBackend(log logs.Log, program string, baseArgs ...string) *SubprocessBackend {
	return &SubprocessBackend{
		log:      log,
		program:  program,
		baseArgs: baseArgs,
	}
}

func (b *SubprocessBackend) Kind() TransportKind {
	return TransportProcess
}

func (b *SubprocessBackend) Start(ctx context.Context, req *StartRequest) error {
	if b.program == "" {
		return fmt.Errorf("No local worker program configured")
	}
	args := append([]string{}, b.baseArgs...)
	args = append(args,
		"--source", req.Source,
		"--features", strings.Join(req.Features, ","),
		"--camera_id", strconv.FormatInt(req.CameraID, 10),
		"--callback", req.CallbackURL,
	)
	if req.CallbackToken != "" {
		args = append(args, "--callback_token", req.CallbackToken)
	}
	cmd := exec.Command(b.program, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		// The start attempt was cancelled (eg camera deleted) before we spawned
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Failed to spawn worker '%v': %w", b.program, err)
	}
	go b.drainStderr(req.CameraID, stderr)

	died := make(chan error, 1)
	b.lock.Lock()
	b.cmd = cmd
	b.stdout = stdout
	b.died = died
	b.stopRequested = false
	b.lock.Unlock()
	go b.wait(cmd, req.CameraID, died)
	b.log.Infof("Spawned local worker for camera %v (pid %v)", req.CameraID, cmd.Process.Pid)
	return nil
}

// wait reaps the child and reports an unsolicited death on 'died'.
// A death that Stop asked for closes the channel without a value.
func (b *SubprocessBackend) wait(cmd *exec.Cmd, cameraID int64, died chan error) {
	err := cmd.Wait()
	b.lock.Lock()
	requested := b.stopRequested
	b.lock.Unlock()
	if !requested {
		if err == nil {
			err = fmt.Errorf("worker exited")
		}
		b.log.Warnf("Worker for camera %v died on its own: %v", cameraID, err)
		died <- err
	}
	close(died)
}

// Died reports the worker dying on its own. See WorkerWatcher.
func (b *SubprocessBackend) Died() <-chan error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.died
}

func (b *SubprocessBackend) Stop(ctx context.Context) error {
	b.lock.Lock()
	cmd := b.cmd
	b.cmd = nil
	b.stdout = nil
	b.stopRequested = true
	b.lock.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// The waiter goroutine reaps the child after the kill
	return cmd.Process.Kill()
}

func (b *SubprocessBackend) OpenFrames(ctx context.Context) (*mpart.Stream, error) {
	b.lock.Lock()
	stdout := b.stdout
	b.stdout = nil
	b.lock.Unlock()
	if stdout == nil {
		return nil, fmt.Errorf("Worker frame stream is not available (already consumed, or worker not running)")
	}
	return mpart.NewStream(mpart.NewReader(stdout), stdout), nil
}

func (b *SubprocessBackend) drainStderr(cameraID int64, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.log.Infof("worker %v: %v", cameraID, scanner.Text())
	}
}
