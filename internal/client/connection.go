// Package client resolves where the control plane lives and dials it.
package client

import (
	"fmt"
	"os"
	"strings"
	"time"

	cliconfig "github.com/antonkrylov/devbox/internal/cli/config"
)

// APIAddrEnv is consulted when neither flags nor config name a server.
const APIAddrEnv = "DEVBOX_API_ADDR"

const (
	DefaultAPIAddr      = "localhost:50051"
	DefaultTimeout      = 15 * time.Second
	DefaultPollInterval = 3 * time.Second
)

type Connection struct {
	APIAddr      string
	Timeout      time.Duration
	PollInterval time.Duration
	TLS          bool
	Compression  string
	ConfigPath   string
	ContextName  string
	Config       *cliconfig.Config
	Context      *cliconfig.Context
}

// ResolveConnection applies, in order:
// 1) flags (apiAddr, timeout, contextName)
// 2) config file context
// 3) environment (DEVBOX_API_ADDR)
// 4) defaults (localhost:50051, 15s)
func ResolveConnection(configPath, contextName, apiAddr string, timeout time.Duration) (*Connection, error) {
	conn := &Connection{
		ConfigPath:  configPath,
		ContextName: contextName,
		APIAddr:     strings.TrimSpace(apiAddr),
		Timeout:     timeout,
	}

	if conn.ConfigPath != "" {
		cfg, err := cliconfig.Load(conn.ConfigPath)
		if err != nil {
			return nil, err
		}
		conn.Config = cfg
	}
	if conn.Config != nil {
		ctx, name, err := conn.Config.Resolve(conn.ContextName)
		if err != nil {
			return nil, err
		}
		conn.Context = ctx
		conn.ContextName = name
	}

	if ctx := conn.Context; ctx != nil {
		if conn.APIAddr == "" {
			conn.APIAddr = ctx.Server
		}
		if conn.Timeout == 0 {
			conn.Timeout = ctx.Timeout()
		}
		conn.PollInterval = ctx.PollInterval()
		conn.TLS = ctx.TLS
		conn.Compression = ctx.Compression
	}

	if conn.APIAddr == "" {
		conn.APIAddr = os.Getenv(APIAddrEnv)
	}
	if conn.APIAddr == "" {
		conn.APIAddr = DefaultAPIAddr
	}
	if conn.Timeout == 0 {
		conn.Timeout = DefaultTimeout
	}
	if conn.PollInterval == 0 {
		conn.PollInterval = DefaultPollInterval
	}
	if conn.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}
	return conn, nil
}

// SecurityMode is the dial mode the connection asks for.
func (c *Connection) SecurityMode() DialSecurityMode {
	if c.TLS {
		return DialTLS
	}
	return DialInsecure
}
