// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetmend/fleetmend/internal/core/models"
)

// RunOutput is the raw outcome of a dispatched command.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner dispatches a rendered command over one connection type. A non-nil
// RunOutput means the process ran (possibly partially, on cancellation); a
// nil RunOutput with an error means the process was never started.
type Runner interface {
	Run(ctx context.Context, conn models.ServerConnection, command string) (*RunOutput, error)
}

// outputBuffer collects command output. Writes come from the pipe-copy
// goroutines of exec/ssh, which can still be in flight when a deadline kill
// makes Run return early, so reads of partial output must synchronize with
// those writers.
type outputBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// LocalRunner executes commands through the local shell.
type LocalRunner struct{}

// NewLocalRunner creates a runner for local connections
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes the command with sh -c under the context's deadline. On
// deadline expiry the process group is killed by CommandContext; partial
// output captured so far is returned alongside the context error.
func (r *LocalRunner) Run(ctx context.Context, conn models.ServerConnection, command string) (*RunOutput, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr outputBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Bound Wait after the kill signal so a stuck pipe can't leak the call
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	out := &RunOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() != nil {
		return out, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Ran to completion with a non-zero exit code
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		// Never spawned
		return nil, fmt.Errorf("error starting command: %w", err)
	}

	return out, nil
}

// defaultSSHDialTimeout bounds connection establishment separately from the
// command deadline
const defaultSSHDialTimeout = 10 * time.Second

// SSHRunner executes commands over SSH sessions.
type SSHRunner struct{}

// NewSSHRunner creates a runner for ssh connections
func NewSSHRunner() *SSHRunner {
	return &SSHRunner{}
}

// Run dials the target, runs the command in a session, and enforces the
// context deadline by signaling and closing the session so the remote
// process is terminated rather than abandoned.
func (r *SSHRunner) Run(ctx context.Context, conn models.ServerConnection, command string) (*RunOutput, error) {
	clientConfig, err := buildClientConfig(conn.Config)
	if err != nil {
		return nil, err
	}

	port := conn.Config.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(conn.Config.Host, strconv.Itoa(port))

	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("error opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr outputBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, fmt.Errorf("error starting remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		// Terminate the remote process, not merely stop waiting for it
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// Wait for the session's copy goroutines to settle before reading
		// partial output, bounded so a wedged transport can't hold the call
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		return &RunOutput{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}, ctx.Err()

	case waitErr := <-done:
		out := &RunOutput{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if waitErr != nil {
			var exitErr *ssh.ExitError
			if errors.As(waitErr, &exitErr) {
				out.ExitCode = exitErr.ExitStatus()
				return out, nil
			}
			return out, fmt.Errorf("error waiting for remote command: %w", waitErr)
		}
		return out, nil
	}
}

// buildClientConfig assembles SSH auth from the connection configuration
func buildClientConfig(cfg models.ConnectionConfig) (*ssh.ClientConfig, error) {
	auth := []ssh.AuthMethod{}

	if cfg.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("error parsing private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh connection has no authentication configured")
	}

	dialTimeout := defaultSSHDialTimeout
	if cfg.TimeoutSeconds > 0 {
		dialTimeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	return &ssh.ClientConfig{
		User: cfg.User,
		Auth: auth,
		// TODO: Support known_hosts verification instead of accepting any host key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}
