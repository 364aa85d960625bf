package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates to a conductor.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds the connection settings for one conductor host. It is read
// from the hosts section of the ironic-pxe config.
type Config struct {
	Host       string     `yaml:"host" json:"host" validate:"required"`
	Port       int        `yaml:"port,omitempty" json:"port,omitempty" validate:"min=1,max=65535"`
	User       string     `yaml:"user" json:"user" validate:"required"`
	AuthMethod AuthMethod `yaml:"auth,omitempty" json:"auth,omitempty" validate:"oneof=password key agent"`

	Password string `yaml:"-" json:"-" validate:"required_if=AuthMethod password"`

	// PrivateKeyPath defaults to the first of ~/.ssh/id_ed25519, id_rsa
	// and id_ecdsa that exists.
	PrivateKeyPath       string `yaml:"private_key,omitempty" json:"private_key,omitempty"`
	PrivateKeyPassphrase string `yaml:"-" json:"-"`

	KnownHostsPath string `yaml:"known_hosts,omitempty" json:"known_hosts,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	// When false any host key is accepted.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// Sudo runs commands through "sudo -n" and stages file writes, for
	// logins other than root.
	Sudo bool `yaml:"sudo,omitempty" json:"sudo,omitempty"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout,omitempty" json:"connection_timeout,omitempty" validate:"gt=0"`

	// CommandTimeout bounds a single remote command. Package installs
	// from a slow mirror are the long pole.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty" json:"command_timeout,omitempty" validate:"gt=0"`

	// KeepAliveInterval of zero disables keep-alives.
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval,omitempty" json:"keepalive_interval,omitempty"`
	MaxKeepAliveRetries int           `yaml:"keepalive_retries,omitempty" json:"keepalive_retries,omitempty"`

	// ProxyHost is an optional jump host. ProxyPrivateKeyPath
	// authenticates to it; the agent is used when it is empty.
	ProxyHost           string `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`
	ProxyPort           int    `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty" validate:"required_with=ProxyHost,max=65535"`
	ProxyUser           string `yaml:"proxy_user,omitempty" json:"proxy_user,omitempty" validate:"required_with=ProxyHost"`
	ProxyPrivateKeyPath string `yaml:"proxy_private_key,omitempty" json:"proxy_private_key,omitempty"`
}

// DefaultConfig returns the settings used for a conductor listed with only
// a host and user: key auth, strict host keys, sudo unless root.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		Sudo:                  user != "root",
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        10 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

var configValidator = validator.New()

var configLabels = map[string]string{
	"AuthMethod":        "auth method",
	"ConnectionTimeout": "connection timeout",
	"CommandTimeout":    "command timeout",
	"ProxyPort":         "proxy port",
	"ProxyUser":         "proxy user",
}

func fieldError(fe validator.FieldError) error {
	label, ok := configLabels[fe.Field()]
	if !ok {
		label = strings.ToLower(fe.Field())
	}
	switch {
	case strings.HasPrefix(fe.Tag(), "required"):
		return fmt.Errorf("%s is required", label)
	case fe.Tag() == "gt":
		return fmt.Errorf("%s must be positive", label)
	case fe.Tag() == "oneof":
		return fmt.Errorf("unsupported %s: %v", label, fe.Value())
	}
	return fmt.Errorf("invalid %s: %v", label, fe.Value())
}

// Validate checks the configuration and resolves a default private key.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	switch c.AuthMethod {
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = defaultPrivateKey()
		}
		if c.PrivateKeyPath == "" {
			return fmt.Errorf("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	}
	return nil
}

func defaultPrivateKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" || !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

func keyAuth(path, passphrase string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// agentAuth returns the agent's signers. The socket stays open for the
// life of the process.
func agentAuth() (ssh.AuthMethod, error) {
	conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
	if err != nil {
		return nil, fmt.Errorf("failed to reach ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// BuildSSHClientConfig turns the settings into an ssh.ClientConfig. Keys
// and the agent socket are read here, not in Validate.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods,
			ssh.Password(c.Password),
			// Many servers only offer keyboard-interactive for passwords.
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			}),
		)
	case AuthMethodKey:
		auth, err := keyAuth(c.PrivateKeyPath, c.PrivateKeyPassphrase)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, auth)
	case AuthMethodAgent:
		auth, err := agentAuth()
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, auth)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// buildProxyClientConfig authenticates to the jump host with its own key,
// or the agent.
func (c *Config) buildProxyClientConfig() (*ssh.ClientConfig, error) {
	var auth ssh.AuthMethod
	var err error
	if c.ProxyPrivateKeyPath != "" {
		auth, err = keyAuth(c.ProxyPrivateKeyPath, "")
	} else {
		auth, err = agentAuth()
	}
	if err != nil {
		return nil, fmt.Errorf("proxy auth: %w", err)
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.ProxyUser,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address is host:port of the conductor.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ProxyAddress is host:port of the jump host, or "" without one.
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}
