// Package transport implements C2: resilient command execution on a
// compute node reached through an SSH bastion.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"bastion-dispatcher/internal/apierr"
	"bastion-dispatcher/internal/telemetry"
)

// Config describes how to reach one compute node through a bastion.
type Config struct {
	BastionAddress    string
	BastionUser       string
	BastionSecondary  string // fallback bastion address, tried if the primary fails
	KeyPath           string
	NodeAddress       string
	RemoteUser        string
	RemoteSecret      string
	ConnectTimeout    time.Duration
	ExecTimeout       time.Duration
	KeepaliveInterval time.Duration
	ReconnectBudget   int
}

// Transport holds the two-hop SSH connection to one compute node: a client
// to the bastion, and a client to the node multiplexed over a channel
// opened through the bastion's transport.
type Transport struct {
	cfg Config

	mu          sync.Mutex
	bastion     *ssh.Client
	node        *ssh.Client
	usingBackup bool

	stopKeepalive chan struct{}
}

// New builds an unconnected Transport for a node. Call Connect before use.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Connect dials the bastion, then dials the node through it. On failure it
// retries against the secondary bastion if one is configured.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectLocked(ctx, false)
}

func (t *Transport) connectLocked(ctx context.Context, useBackup bool) error {
	t.closeLocked()

	bastionAddr := t.cfg.BastionAddress
	if useBackup {
		if t.cfg.BastionSecondary == "" {
			return apierr.New(apierr.Transport, "no secondary bastion configured")
		}
		bastionAddr = t.cfg.BastionSecondary
	}

	authMethods, err := t.authMethods()
	if err != nil {
		return apierr.Wrap(apierr.Transport, "build auth methods", err)
	}

	bastionClient, err := ssh.Dial("tcp", bastionAddr, &ssh.ClientConfig{
		User:            t.cfg.BastionUser,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.ConnectTimeout,
	})
	if err != nil {
		if !useBackup && t.cfg.BastionSecondary != "" {
			return t.connectLocked(ctx, true)
		}
		return apierr.Wrap(apierr.Transport, fmt.Sprintf("dial bastion %s", bastionAddr), err)
	}

	conn, err := bastionClient.Dial("tcp", t.cfg.NodeAddress)
	if err != nil {
		bastionClient.Close()
		return apierr.Wrap(apierr.Transport, fmt.Sprintf("dial node %s via bastion", t.cfg.NodeAddress), err)
	}

	nodeAuth, err := nodeAuthMethods(t.cfg.RemoteSecret)
	if err != nil {
		bastionClient.Close()
		return apierr.Wrap(apierr.Transport, "build node auth", err)
	}

	nodeConn, chans, reqs, err := ssh.NewClientConn(conn, t.cfg.NodeAddress, &ssh.ClientConfig{
		User:            t.cfg.RemoteUser,
		Auth:            nodeAuth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.ConnectTimeout,
	})
	if err != nil {
		bastionClient.Close()
		return apierr.Wrap(apierr.Transport, "handshake with node", err)
	}

	t.bastion = bastionClient
	t.node = ssh.NewClient(nodeConn, chans, reqs)
	t.usingBackup = useBackup
	t.startKeepaliveLocked()
	return nil
}

func (t *Transport) authMethods() ([]ssh.AuthMethod, error) {
	if t.cfg.KeyPath != "" {
		if key, err := os.ReadFile(t.cfg.KeyPath); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
			}
		}
	}
	return []ssh.AuthMethod{ssh.Password(t.cfg.RemoteSecret)}, nil
}

func nodeAuthMethods(secret string) ([]ssh.AuthMethod, error) {
	return []ssh.AuthMethod{ssh.Password(secret)}, nil
}

// startKeepaliveLocked sends periodic keepalive requests over the node
// connection so an idle NAT or firewall doesn't drop the tunnel out from
// under a long-running job. Caller must hold t.mu.
func (t *Transport) startKeepaliveLocked() {
	if t.cfg.KeepaliveInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	t.stopKeepalive = stop
	client := t.node

	go func() {
		ticker := time.NewTicker(t.cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _, _ = client.SendRequest("keepalive@openssh.com", true, nil)
			}
		}
	}()
}

// Close tears down both hops of the connection.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
}

func (t *Transport) closeLocked() {
	if t.stopKeepalive != nil {
		close(t.stopKeepalive)
		t.stopKeepalive = nil
	}
	if t.node != nil {
		t.node.Close()
		t.node = nil
	}
	if t.bastion != nil {
		t.bastion.Close()
		t.bastion = nil
	}
}

// IsAlive runs a lightweight command to confirm the node connection still
// answers.
func (t *Transport) IsAlive(ctx context.Context) bool {
	t.mu.Lock()
	client := t.node
	t.mu.Unlock()
	if client == nil {
		return false
	}
	out, _, code, err := runOnce(ctx, client, "echo alive", t.cfg.ExecTimeout)
	return err == nil && code == 0 && strings.TrimSpace(out) == "alive"
}

// EnsureConnected reconnects if the connection is not alive, honoring the
// configured reconnect budget.
func (t *Transport) EnsureConnected(ctx context.Context) error {
	if t.IsAlive(ctx) {
		return nil
	}
	budget := t.cfg.ReconnectBudget
	if budget <= 0 {
		budget = 1
	}
	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		telemetry.TransportReconnects.Inc()
		t.mu.Lock()
		err := t.connectLocked(ctx, false)
		t.mu.Unlock()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	telemetry.TransportFailures.Inc()
	return apierr.Wrap(apierr.Transport, "exhausted reconnect budget", lastErr)
}

// Exec runs a command on the node and returns its exit code, stdout and
// stderr.
func (t *Transport) Exec(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error) {
	if err := t.EnsureConnected(ctx); err != nil {
		return "", "", -1, err
	}
	t.mu.Lock()
	client := t.node
	t.mu.Unlock()
	return runOnce(ctx, client, command, t.cfg.ExecTimeout)
}

func runOnce(ctx context.Context, client *ssh.Client, command string, timeout time.Duration) (stdout, stderr string, exitCode int, err error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", -1, apierr.Wrap(apierr.Transport, "open session", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	deadline := time.After(timeout)
	if timeout <= 0 {
		deadline = nil
	}

	select {
	case runErr := <-done:
		if runErr == nil {
			return outBuf.String(), errBuf.String(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, apierr.Wrap(apierr.Transport, "run command", runErr)
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", "", -1, ctx.Err()
	case <-deadline:
		session.Signal(ssh.SIGKILL)
		return "", "", -1, apierr.New(apierr.Transport, "command exec timed out")
	}
}

// PutFile uploads a local file to a path on the node over SFTP.
func (t *Transport) PutFile(ctx context.Context, localPath, remotePath string) error {
	if err := t.EnsureConnected(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	client := t.node
	t.mu.Unlock()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return apierr.Wrap(apierr.Transport, "open sftp session", err)
	}
	defer sftpClient.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return apierr.Wrap(apierr.Storage, "open local file for upload", err)
	}
	defer local.Close()

	remote, err := sftpClient.Create(remotePath)
	if err != nil {
		return apierr.Wrap(apierr.Transport, "create remote file", err)
	}
	defer remote.Close()

	if _, err := remote.ReadFrom(local); err != nil {
		return apierr.Wrap(apierr.Transport, "write remote file", err)
	}
	return nil
}

// ReadRemoteFile reads a remote file's content, returning an empty string
// if it does not exist (mirrors "cat path 2>/dev/null || echo ''").
func (t *Transport) ReadRemoteFile(ctx context.Context, remotePath string) (string, error) {
	stdout, _, code, err := t.Exec(ctx, fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(remotePath)))
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", nil
	}
	return stdout, nil
}

// StartDetached launches command in the background on the node, detached
// from the SSH session, and returns its pid.
func (t *Transport) StartDetached(ctx context.Context, command, stdoutPath, stderrPath string) (int, error) {
	launch := fmt.Sprintf(
		"setsid nohup bash -c %s > %s 2> %s </dev/null & echo $!",
		shellQuote(command), shellQuote(stdoutPath), shellQuote(stderrPath),
	)
	stdout, stderr, code, err := t.Exec(ctx, launch)
	if err != nil {
		return 0, err
	}
	if code != 0 || strings.TrimSpace(stdout) == "" {
		return 0, apierr.New(apierr.Transport, fmt.Sprintf("failed to launch detached process: %s", strings.TrimSpace(stderr)))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(stdout))
	if err != nil {
		return 0, apierr.Wrap(apierr.Transport, "parse launched pid", err)
	}
	return pid, nil
}

// IsProcessAlive reports whether a remote pid is still running.
func (t *Transport) IsProcessAlive(ctx context.Context, pid int) (bool, error) {
	stdout, _, _, err := t.Exec(ctx, fmt.Sprintf("ps -p %d > /dev/null 2>&1 && echo running || echo stopped", pid))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(stdout) == "running", nil
}

// KillProcess sends SIGKILL to a remote pid.
func (t *Transport) KillProcess(ctx context.Context, pid int) error {
	_, stderr, code, err := t.Exec(ctx, fmt.Sprintf("kill -9 %d", pid))
	if err != nil {
		return err
	}
	if code != 0 {
		return apierr.New(apierr.Transport, fmt.Sprintf("kill failed: %s", strings.TrimSpace(stderr)))
	}
	return nil
}

// ResetWorkspace runs the configured workspace-reset command, used between
// jobs when the node is shared and isolation must be enforced by wiping
// scratch state rather than by a container restart.
func (t *Transport) ResetWorkspace(ctx context.Context, command string) error {
	_, stderr, code, err := t.Exec(ctx, command)
	if err != nil {
		return err
	}
	if code != 0 {
		return apierr.New(apierr.Transport, fmt.Sprintf("workspace reset failed: %s", strings.TrimSpace(stderr)))
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// staticResolve is used by the pool to validate a configured node address:
// a host:port pair is passed through unchanged, and anything else (a bare
// host included) is rejected with an error.
func staticResolve(addr string) (string, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid node address %q: %w", addr, err)
	}
	return addr, nil
}
