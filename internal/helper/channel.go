package helper

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"mo2vfs/internal/logging"
)

var channelLogger = logging.GetLogger().WithPrefix("helper")

const (
	startupTimeout = 10 * time.Second
	rebuildTimeout = 10 * time.Second
	flushTimeout   = 30 * time.Second
	quitTimeout    = 10 * time.Second
)

// Channel drives a mo2-vfs-helper subprocess over its stdin/stdout
// (spec §4.9), used when the manager itself can't create a mount (e.g. a
// sandboxed launch context).
type Channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner

	mu sync.Mutex
}

// Start spawns binaryPath with configPath as its single argument and
// waits up to the startup timeout for the "mounted" response.
func Start(binaryPath, configPath string) (*Channel, error) {
	cmd := exec.Command(binaryPath, configPath)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening helper stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting helper %q: %w", binaryPath, err)
	}

	ch := &Channel{cmd: cmd, stdin: stdin, stdout: bufio.NewScanner(stdout)}

	line, err := ch.readLineWithTimeout(startupTimeout)
	if err != nil {
		ch.kill()
		return nil, fmt.Errorf("waiting for helper startup: %w", err)
	}
	if line != RespMounted {
		ok, msg := ParseResponse(line)
		ch.kill()
		if !ok {
			return nil, fmt.Errorf("helper startup failed: %s", msg)
		}
		return nil, fmt.Errorf("unexpected helper startup response: %q", line)
	}

	channelLogger.Info("helper %q started and mounted", binaryPath)
	return ch, nil
}

// Rebuild sends "rebuild" and waits for "ok".
func (c *Channel) Rebuild() error {
	return c.sendCommand(CmdRebuild, rebuildTimeout)
}

// Flush sends "flush" and waits for "ok".
func (c *Channel) Flush() error {
	return c.sendCommand(CmdFlush, flushTimeout)
}

// Quit sends "quit", waits for "ok", then waits for the subprocess to
// exit.
func (c *Channel) Quit() error {
	err := c.sendCommand(CmdQuit, quitTimeout)
	c.stdin.Close()
	c.cmd.Wait()
	return err
}

func (c *Channel) sendCommand(cmd string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	channelLogger.Debug("sending %q to helper", cmd)
	if _, err := fmt.Fprintf(c.stdin, "%s\n", cmd); err != nil {
		return fmt.Errorf("writing %q to helper: %w", cmd, err)
	}

	line, err := c.readLineWithTimeout(timeout)
	if err != nil {
		channelLogger.Error("helper did not respond to %q in time, killing: %v", cmd, err)
		c.kill()
		return fmt.Errorf("waiting for helper response to %q: %w", cmd, err)
	}

	ok, msg := ParseResponse(line)
	if !ok {
		return fmt.Errorf("helper reported error for %q: %s", cmd, msg)
	}
	if line != RespOK {
		return fmt.Errorf("unexpected helper response to %q: %q", cmd, line)
	}
	return nil
}

// readLineWithTimeout runs the blocking scan on a goroutine since the
// pipe underlying cmd.StdoutPipe offers no portable read deadline; a
// timeout escalates to killing the helper, which unblocks the pending
// scan via EOF.
func (c *Channel) readLineWithTimeout(timeout time.Duration) (string, error) {
	type result struct {
		line string
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		if c.stdout.Scan() {
			resultCh <- result{line: c.stdout.Text()}
			return
		}
		err := c.stdout.Err()
		if err == nil {
			err = io.EOF
		}
		resultCh <- result{err: err}
	}()

	select {
	case r := <-resultCh:
		return r.line, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("timed out after %s", timeout)
	}
}

func (c *Channel) kill() {
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.cmd.Wait()
}
