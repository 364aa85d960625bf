package commands

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/eb4x/puppet-ironic/pkg/providers"
	"github.com/eb4x/puppet-ironic/pkg/pxe"
	"github.com/eb4x/puppet-ironic/pkg/transports/ssh"
)

// session is an open connection to a target's system.
type session struct {
	// facts gathers the platform facts from the system.
	facts func(context.Context) (pxe.Facts, error)

	// newHost wires the package and service managers for the OS family.
	newHost func(osFamily string) (*providers.Host, error)

	close func() error
}

// connector opens a session to a target.
type connector func(ctx context.Context, t *target, logger zerolog.Logger) (*session, error)

// connectTarget opens the local system or an SSH connection, plus the
// PostgreSQL connection for the inspector database when one is configured.
func connectTarget(ctx context.Context, t *target, logger zerolog.Logger) (*session, error) {
	var (
		sys     providers.System
		factsFn func(context.Context) (pxe.Facts, error)
		closers []func() error
	)

	if t.host == nil {
		sys = providers.NewLocalSystem()
		factsFn = func(context.Context) (pxe.Facts, error) { return localFacts() }
	} else {
		cfg, err := sshConfig(t)
		if err != nil {
			return nil, err
		}
		client, err := ssh.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		logger.Debug().Str("host", t.name).Str("address", cfg.Host).Msg("Connected")

		remote := ssh.NewSystem(client)
		sys = remote
		factsFn = remote.Facts
		closers = append(closers, client.Close)
	}

	var db *sql.DB
	if t.host != nil && t.host.PostgresDSN != "" {
		var err error
		db, err = providers.OpenPostgres(ctx, t.host.PostgresDSN)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, fmt.Errorf("%s: %w", t.name, err)
		}
		closers = append(closers, db.Close)
	}

	return &session{
		facts: factsFn,
		newHost: func(osFamily string) (*providers.Host, error) {
			h, err := providers.NewHost(sys, osFamily)
			if err != nil {
				return nil, err
			}
			h.Postgres = db
			return h, nil
		},
		close: func() error {
			var first error
			for i := len(closers) - 1; i >= 0; i-- {
				if err := closers[i](); err != nil && first == nil {
					first = err
				}
			}
			return first
		},
	}, nil
}

func sshConfig(t *target) (*ssh.Config, error) {
	hc := t.host
	user := hc.User
	if user == "" {
		user = "root"
	}

	cfg := ssh.DefaultConfig(hc.Dial(), user)
	if hc.Port != 0 {
		cfg.Port = hc.Port
	}
	if hc.Sudo != nil {
		cfg.Sudo = *hc.Sudo
	}
	switch {
	case hc.PrivateKey != "":
		cfg.PrivateKeyPath = hc.PrivateKey
	case os.Getenv("SSH_AUTH_SOCK") != "":
		cfg.AuthMethod = ssh.AuthMethodAgent
	}

	if hc.Proxy != "" {
		host, port, err := net.SplitHostPort(hc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid proxy %q: %w", t.name, hc.Proxy, err)
		}
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid proxy port %q", t.name, port)
		}
		cfg.ProxyHost = host
		cfg.ProxyPort = n
		cfg.ProxyUser = user
	}
	return cfg, nil
}
