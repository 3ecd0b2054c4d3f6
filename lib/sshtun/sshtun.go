/*
Copyright 2026 The Nanobot Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sshtun drives the system ssh and scp binaries: port-forward
// tunnels held by a child process, one-shot remote commands, and
// recursive uploads. It never retries; retry policy belongs to the
// layers above.
package sshtun

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/chtangwin/nanobot"
	"github.com/chtangwin/nanobot/lib/defaults"
)

// Config describes one SSH endpoint.
type Config struct {
	// Target is the user@host SSH destination.
	Target string
	// Port is the SSH daemon port.
	Port int
	// KeyPath optionally selects an identity file.
	KeyPath string
	// SettleWait is how long a freshly spawned tunnel gets to fail
	// before it is declared established.
	SettleWait time.Duration
	// Clock is used for settle and shutdown waits.
	Clock clockwork.Clock
	// Log is the logger; a component-tagged entry is created when nil.
	Log *logrus.Entry
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Target == "" {
		return trace.BadParameter("missing SSH target")
	}
	if c.Port == 0 {
		c.Port = defaults.SSHPort
	}
	if c.SettleWait == 0 {
		c.SettleWait = defaults.TunnelSettleWait
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: nanobot.ComponentTunnel,
		})
	}
	return nil
}

// Client runs SSH operations against one endpoint.
type Client struct {
	cfg Config
}

// NewClient returns a client for the given endpoint.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// Target returns the configured user@host destination.
func (c *Client) Target() string {
	return c.cfg.Target
}

// sshOptions disables host-key checks; fleet hosts are ephemeral and
// their keys churn on reprovisioning.
func sshOptions(batch bool) []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
	}
	if batch {
		opts = append(opts, "-o", "BatchMode=yes")
	}
	return opts
}

// Run executes a single command over SSH and returns its stdout. The
// context bounds the run; without a deadline the default one-shot
// budget applies. The child is killed on expiry.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	timeout := defaults.SSHExecTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := []string{"-p", strconv.Itoa(c.cfg.Port)}
	args = append(args, sshOptions(true)...)
	if c.cfg.KeyPath != "" {
		args = append(args, "-i", c.cfg.KeyPath)
	}
	args = append(args, c.cfg.Target, command)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", trace.LimitExceeded("SSH command timed out after %v: %v", timeout, command)
	}
	if err != nil {
		if cmd.ProcessState == nil {
			return "", trace.ConvertSystemError(err)
		}
		return "", trace.Errorf("SSH command failed (exit %v): %v",
			cmd.ProcessState.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	c.logStderr(stderr.String())
	return stdout.String(), nil
}

// Upload copies the contents of a local directory into a remote
// directory with a single recursive scp.
func (c *Client) Upload(ctx context.Context, localDir, remoteDir string) error {
	entries, err := os.ReadDir(localDir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if len(entries) == 0 {
		return trace.BadParameter("nothing to upload from %v", localDir)
	}

	args := []string{"-r"}
	args = append(args, sshOptions(true)...)
	if c.cfg.Port != 0 {
		args = append(args, "-P", strconv.Itoa(c.cfg.Port))
	}
	if c.cfg.KeyPath != "" {
		args = append(args, "-i", c.cfg.KeyPath)
	}
	for _, entry := range entries {
		args = append(args, filepath.Join(localDir, entry.Name()))
	}
	args = append(args, fmt.Sprintf("%v:%v/", c.cfg.Target, remoteDir))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "scp", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if cmd.ProcessState == nil {
			return trace.ConvertSystemError(err)
		}
		return trace.Errorf("scp upload failed: %v", strings.TrimSpace(stderr.String()))
	}
	c.logStderr(stderr.String())
	return nil
}

// logStderr demotes the host-key warning ssh prints on every connect
// to a host with UserKnownHostsFile=/dev/null; anything else is worth
// a warning.
func (c *Client) logStderr(stderr string) {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return
	}
	if strings.Contains(stderr, "Permanently added") {
		c.cfg.Log.Debugf("ssh: %v", stderr)
		return
	}
	c.cfg.Log.Warnf("ssh: %v", stderr)
}

// Tunnel is a local port forward held open by a child ssh process.
type Tunnel struct {
	log        *logrus.Entry
	clock      clockwork.Clock
	localPort  int
	remotePort int
	cmd        *exec.Cmd
	stderr     *syncBuffer

	// exitErr is set by the watcher before done is closed.
	exitErr error
	done    chan struct{}

	closeOnce sync.Once
}

// OpenTunnel starts `ssh -N -L localPort:127.0.0.1:remotePort`, waits
// for the settle period, and verifies the child survived it. A child
// that died already surfaces its captured stderr.
func (c *Client) OpenTunnel(ctx context.Context, localPort, remotePort int) (*Tunnel, error) {
	if localPort <= 0 || remotePort <= 0 {
		return nil, trace.BadParameter("invalid tunnel ports %v:%v", localPort, remotePort)
	}

	args := []string{
		"-N",
		"-L", fmt.Sprintf("%v:127.0.0.1:%v", localPort, remotePort),
		"-p", strconv.Itoa(c.cfg.Port),
	}
	args = append(args, sshOptions(false)...)
	if c.cfg.KeyPath != "" {
		args = append(args, "-i", c.cfg.KeyPath)
	}
	args = append(args, c.cfg.Target)

	t := &Tunnel{
		log:        c.cfg.Log,
		clock:      c.cfg.Clock,
		localPort:  localPort,
		remotePort: remotePort,
		stderr:     &syncBuffer{},
		done:       make(chan struct{}),
	}
	t.cmd = exec.Command("ssh", args...)
	t.cmd.Stderr = t.stderr

	c.cfg.Log.Infof("Creating SSH tunnel: %v -> localhost:%v.", c.cfg.Target, localPort)
	if err := t.cmd.Start(); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	go t.watch()

	select {
	case <-t.done:
		return nil, trace.ConnectionProblem(t.exitErr,
			"SSH tunnel failed: %v", strings.TrimSpace(t.stderr.String()))
	case <-ctx.Done():
		t.Close()
		return nil, trace.Wrap(ctx.Err())
	case <-c.cfg.Clock.After(c.cfg.SettleWait):
	}
	return t, nil
}

func (t *Tunnel) watch() {
	t.exitErr = t.cmd.Wait()
	close(t.done)
}

// LocalPort returns the local end of the forward.
func (t *Tunnel) LocalPort() int {
	return t.localPort
}

// RemotePort returns the remote end of the forward.
func (t *Tunnel) RemotePort() int {
	return t.remotePort
}

// PID returns the ssh child process id.
func (t *Tunnel) PID() int {
	return t.cmd.Process.Pid
}

// Alive reports whether the ssh child is still running.
func (t *Tunnel) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the ssh child exits.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

// Close terminates the child: SIGTERM, bounded wait, then SIGKILL.
// Safe to call more than once.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		select {
		case <-t.done:
			return
		default:
		}
		t.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-t.done:
		case <-t.clock.After(defaults.TunnelStopTimeout):
			t.log.Warnf("SSH tunnel did not exit after SIGTERM, killing pid %v.", t.cmd.Process.Pid)
			t.cmd.Process.Kill()
			<-t.done
		}
	})
	return nil
}

// PickFreePort binds an ephemeral local port, releases it, and returns
// its number for the tunnel to claim.
func PickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, trace.ConvertSystemError(err)
	}
	return port, nil
}

// syncBuffer is a goroutine-safe stderr sink; the tunnel watcher and
// callers inspect it concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
