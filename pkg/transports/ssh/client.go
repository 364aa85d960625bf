package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/eb4x/puppet-ironic/pkg/providers"
)

// Client is one SSH connection to a conductor host. It is safe for
// concurrent use; every command gets its own session and file transfers
// share one SFTP client.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	sftp        *sftp.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stop        chan struct{}
}

// NewClient validates the configuration and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the connection, directly or through the jump host.
// Connecting an already healthy client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.ping(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}
	return nil
}

func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// Reap a connection that completes after the caller gave up.
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{Op: "connect", Err: r.err, IsTemporary: !isAuthError(r.err), IsAuthError: isAuthError(r.err)}
		}
		c.client = r.client
	}

	log.Info().Str("address", address).Msg("SSH connection established")
	return nil
}

func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig, err := c.config.buildProxyClientConfig()
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsAuthError: true}
	}

	log.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to jump host")
	proxyClient, err := ssh.Dial("tcp", c.config.ProxyAddress(), proxyConfig)
	if err != nil {
		return &TransportError{Op: "connect-proxy", Err: err, IsTemporary: true}
	}

	target := c.config.Address()
	conn, err := proxyClient.DialContext(ctx, "tcp", target)
	if err != nil {
		proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsTemporary: true}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(conn, target, targetConfig)
	if err != nil {
		conn.Close()
		proxyClient.Close()
		return &TransportError{Op: "connect-via-proxy", Err: err, IsAuthError: isAuthError(err)}
	}

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.proxy = proxyClient
	log.Info().Str("target", target).Str("proxy", c.config.ProxyAddress()).Msg("SSH connection established via proxy")
	return nil
}

func isAuthError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		c.proxy.Close()
		c.proxy = nil
	}
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck runs a no-op command on the host.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return &TransportError{Op: "healthcheck", Err: errors.New("not connected")}
	}
	return c.ping()
}

func (c *Client) ping() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()
	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Int("retries", retries).Str("host", c.config.Host).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// ConnectionInfo describes the current connection.
func (c *Client) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
		ViaProxy:     c.config.IsProxyEnabled(),
	}
}

func (c *Client) sshClient() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: errors.New("not connected")}
	}
	return c.client, nil
}

// sftpClient returns the shared SFTP client, opening it on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: errors.New("not connected")}
	}
	if c.sftp == nil {
		s, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("failed to start SFTP: %w", err), IsTemporary: true}
		}
		c.sftp = s
	}
	return c.sftp, nil
}

// Run implements providers.Runner. Arguments are quoted for the remote
// shell. A non-zero exit is reported in the result, not as an error.
func (c *Client) Run(ctx context.Context, name string, args ...string) (*providers.CommandResult, error) {
	words := make([]string, 0, len(args)+3)
	if c.config.Sudo {
		words = append(words, "sudo", "-n", "--")
	}
	words = append(words, shellQuote(name))
	for _, a := range args {
		words = append(words, shellQuote(a))
	}
	return c.runLine(ctx, strings.Join(words, " "), nil)
}

// runLine runs a prepared command line with optional stdin.
func (c *Client) runLine(ctx context.Context, line string, stdin []byte) (*providers.CommandResult, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}
	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}
	c.touch()

	res := &providers.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
	case runErr != nil:
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", line).
		Int("exit_code", res.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("command completed")
	return res, nil
}

// shellQuote quotes s for a POSIX shell unless it is made only of safe
// characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
