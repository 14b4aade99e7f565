package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xiaot623/agentfleet/internal/domain"
)

// Runner executes a shell command on an instance.
type Runner interface {
	Run(ctx context.Context, inst Instance, command string) (string, error)
}

// SSHConfig configures SSHRunner.
type SSHConfig struct {
	User           string
	KeyFile        string
	KnownHostsFile string
	DialTimeout    time.Duration
}

// SSHRunner runs commands over SSH with public key auth.
type SSHRunner struct {
	user        string
	auth        []ssh.AuthMethod
	hostKeys    ssh.HostKeyCallback
	dialTimeout time.Duration
}

// NewSSHRunner loads the private key and known hosts named in cfg. Without
// a known hosts file host keys are not verified.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		if hostKeys, err = knownhosts.New(cfg.KnownHostsFile); err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SSHRunner{
		user:        cfg.User,
		auth:        []ssh.AuthMethod{ssh.PublicKeys(signer)},
		hostKeys:    hostKeys,
		dialTimeout: cfg.DialTimeout,
	}, nil
}

// Run implements Runner. When ctx ends first the session is torn down and
// whatever output arrived is returned with domain.ErrTimeout.
func (r *SSHRunner) Run(ctx context.Context, inst Instance, command string) (string, error) {
	user := inst.User
	if user == "" {
		user = r.user
	}
	port := inst.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(inst.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: r.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: dial %s: %v", domain.ErrAdapterUnavailable, addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            r.auth,
		HostKeyCallback: r.hostKeys,
		Timeout:         r.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("%w: ssh handshake with %s: %v", domain.ErrAdapterUnavailable, addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", domain.ErrAdapterUnavailable, err)
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return out.String(), fmt.Errorf("%w: %s on %s: %v", domain.ErrTimeout, command, inst.ID, ctx.Err())
	case err := <-done:
		if err == nil {
			return out.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("%w: exit status %d", domain.ErrRemoteExecutionFailed, exitErr.ExitStatus())
		}
		return out.String(), fmt.Errorf("%w: %v", domain.ErrRemoteExecutionFailed, err)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
