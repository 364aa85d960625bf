package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeTestKey writes an unencrypted ed25519 key in OpenSSH format.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("conductor01.example.com", "deploy")

	if cfg.Port != 22 || cfg.AuthMethod != AuthMethodKey || !cfg.StrictHostKeyChecking {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
	if cfg.ConnectionTimeout != 30*time.Second || cfg.CommandTimeout != 10*time.Minute {
		t.Errorf("timeouts = %v, %v", cfg.ConnectionTimeout, cfg.CommandTimeout)
	}
	if !cfg.Sudo {
		t.Error("Sudo = false for a non-root login")
	}
	if DefaultConfig("conductor01.example.com", "root").Sudo {
		t.Error("Sudo = true for root")
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "password", mutate: func(*Config) {}},
		{
			name: "key",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = keyPath
			},
		},
		{name: "no host", mutate: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }, wantErr: "invalid port: 0"},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port: 70000"},
		{name: "no user", mutate: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "no password", mutate: func(c *Config) { c.Password = "" }, wantErr: "password is required"},
		{name: "kerberos", mutate: func(c *Config) { c.AuthMethod = "kerberos" }, wantErr: "unsupported auth method: kerberos"},
		{
			name: "missing key file",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = filepath.Join(t.TempDir(), "absent")
			},
			wantErr: "private key file not found",
		},
		{name: "connect timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "connection timeout must be positive"},
		{name: "command timeout", mutate: func(c *Config) { c.CommandTimeout = -time.Second }, wantErr: "command timeout must be positive"},
		{
			name:    "jump host without user",
			mutate:  func(c *Config) { c.ProxyHost = "bastion.example.com" },
			wantErr: "proxy user is required",
		},
		{
			name: "jump host",
			mutate: func(c *Config) {
				c.ProxyHost = "bastion.example.com"
				c.ProxyUser = "jump"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("conductor01.example.com", "deploy")
			cfg.AuthMethod = AuthMethodPassword
			cfg.Password = "secret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidate_Agent(t *testing.T) {
	cfg := DefaultConfig("conductor01.example.com", "deploy")
	cfg.AuthMethod = AuthMethodAgent

	t.Setenv("SSH_AUTH_SOCK", "")
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "SSH_AUTH_SOCK") {
		t.Errorf("Validate() error = %v, want SSH_AUTH_SOCK", err)
	}

	t.Setenv("SSH_AUTH_SOCK", filepath.Join(t.TempDir(), "agent.sock"))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if _, err := cfg.BuildSSHClientConfig(); err == nil {
		t.Error("BuildSSHClientConfig() with an unreachable agent succeeded")
	}
}

func TestConfigAddresses(t *testing.T) {
	cfg := DefaultConfig("fd00::10", "deploy")
	cfg.Port = 2222

	if got := cfg.Address(); got != "[fd00::10]:2222" {
		t.Errorf("Address() = %s", got)
	}
	if cfg.IsProxyEnabled() || cfg.ProxyAddress() != "" {
		t.Error("proxy enabled without a jump host")
	}

	cfg.ProxyHost = "bastion.example.com"
	if !cfg.IsProxyEnabled() || cfg.ProxyAddress() != "bastion.example.com:22" {
		t.Errorf("ProxyAddress() = %s", cfg.ProxyAddress())
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		cfg := DefaultConfig("conductor01.example.com", "deploy")
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = "secret"
		cfg.StrictHostKeyChecking = false

		cc, err := cfg.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig() error = %v", err)
		}
		if cc.User != "deploy" || cc.Timeout != 30*time.Second {
			t.Errorf("client config = %+v", cc)
		}
		// password plus keyboard-interactive
		if len(cc.Auth) != 2 {
			t.Errorf("len(Auth) = %d, want 2", len(cc.Auth))
		}
	})

	t.Run("key", func(t *testing.T) {
		cfg := DefaultConfig("conductor01.example.com", "deploy")
		cfg.PrivateKeyPath = writeTestKey(t)
		cfg.StrictHostKeyChecking = false

		cc, err := cfg.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("BuildSSHClientConfig() error = %v", err)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("len(Auth) = %d, want 1", len(cc.Auth))
		}
	})

	t.Run("unparsable key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "id_rsa")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg := DefaultConfig("conductor01.example.com", "deploy")
		cfg.PrivateKeyPath = path

		if _, err := cfg.BuildSSHClientConfig(); err == nil || !strings.Contains(err.Error(), "parse private key") {
			t.Errorf("BuildSSHClientConfig() error = %v", err)
		}
	})

	t.Run("missing known_hosts", func(t *testing.T) {
		cfg := DefaultConfig("conductor01.example.com", "deploy")
		cfg.AuthMethod = AuthMethodPassword
		cfg.Password = "secret"
		cfg.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := cfg.BuildSSHClientConfig(); err == nil || !strings.Contains(err.Error(), "known_hosts") {
			t.Errorf("BuildSSHClientConfig() error = %v", err)
		}
	})
}
