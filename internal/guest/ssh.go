package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/javanstorm/clawbox/internal/retry"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultMaxRetries  = 10
	defaultRetryDelay  = 2 * time.Second
)

// SSHConnector dials guests with golang.org/x/crypto/ssh.
type SSHConnector struct {
	// DialTimeout is the timeout for establishing the TCP connection.
	DialTimeout time.Duration

	// MaxRetries is the number of redials while sshd comes up.
	MaxRetries int

	// RetryDelay is the initial delay between dial attempts.
	RetryDelay time.Duration
}

// Connect opens an SSH connection, retrying until the guest answers.
// Guests are ephemeral local VMs, so host keys are not verified.
func (c SSHConnector) Connect(ctx context.Context, t Target) (Shell, error) {
	if t.Host == "" {
		return nil, fmt.Errorf("guest host cannot be empty")
	}
	if t.User == "" {
		return nil, fmt.Errorf("guest user cannot be empty")
	}

	var auth []ssh.AuthMethod
	if len(t.KeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(t.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no credentials for %s@%s", t.User, t.Host)
	}

	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	dialTimeout := c.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}
	maxRetries := c.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := c.RetryDelay
	if retryDelay == 0 {
		retryDelay = defaultRetryDelay
	}

	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // local throwaway guests
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	var client *ssh.Client
	err := retry.WithExponentialBackoff(ctx, func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, config)
		return dialErr
	},
		retry.WithMaxRetries(maxRetries),
		retry.WithInitialDelay(retryDelay),
		retry.WithMaxDelay(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s@%s: %w", t.User, addr, err)
	}
	return &SSHShell{client: client, host: t.Host}, nil
}

// SSHShell runs commands over an established SSH connection.
type SSHShell struct {
	client *ssh.Client
	host   string
}

// Run executes command in a fresh session. Cancelling ctx closes the session.
func (s *SSHShell) Run(ctx context.Context, command string) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("create SSH session on %s: %w", s.host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, fmt.Errorf("run command on %s: %w", s.host, err)
}

// Close closes the underlying connection.
func (s *SSHShell) Close() error {
	return s.client.Close()
}
