package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SecurityType represents the connection security method
type SecurityType string

const (
	SecurityNone     SecurityType = "none"
	SecurityTLS      SecurityType = "tls"
	SecurityStartTLS SecurityType = "starttls"
)

// deadlineConn wraps a net.Conn to automatically set read/write deadlines
// before each operation. This prevents indefinite blocking on slow or dead
// connections.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Read sets a read deadline before reading, preventing indefinite blocking
func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

// Write sets a write deadline before writing, preventing indefinite blocking
func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// TransportConfig holds the settings needed to reach an IMAP server.
type TransportConfig struct {
	Host     string
	Port     int
	Security SecurityType
	Username string

	// ShellCommand, when non-empty, switches to process transport: the
	// command is spawned and its stdio is the IMAP stream. %h and %u in
	// the template are replaced with host and user.
	ShellCommand string

	// Timeouts
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// TLS config (optional, used for certificate pinning)
	TLSConfig *tls.Config
}

// DefaultTransportConfig returns a TransportConfig with sensible defaults
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Port:           993,
		Security:       SecurityTLS,
		ConnectTimeout: 30 * time.Second,
		ReadTimeout:    3 * time.Minute, // large body fetches need headroom
		WriteTimeout:   30 * time.Second,
	}
}

// dialTransport opens the raw byte channel to the server: either a TCP
// socket (with NODELAY and KEEPALIVE enabled) or a spawned child process
// whose stdio carries the IMAP stream.
func dialTransport(ctx context.Context, config TransportConfig) (io.ReadWriteCloser, error) {
	if config.ShellCommand != "" {
		return dialProcess(ctx, config)
	}
	return dialTCP(ctx, config)
}

func dialTCP(ctx context.Context, config TransportConfig) (io.ReadWriteCloser, error) {
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	var conn net.Conn
	var err error
	if config.Security == SecurityTLS {
		tlsConfig := config.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: config.Host}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, transportError(fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	// KEEPALIVE is set by the dialer; NODELAY is the Go default but is
	// set explicitly on the plain path (TLS hides the TCP conn).
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	return &deadlineConn{
		Conn:         conn,
		readTimeout:  config.ReadTimeout,
		writeTimeout: config.WriteTimeout,
	}, nil
}

// starttlsUpgrade wraps an established plain connection in TLS after a
// successful STARTTLS exchange.
func starttlsUpgrade(src io.ReadWriteCloser, config TransportConfig) (io.ReadWriteCloser, error) {
	dc, ok := src.(*deadlineConn)
	if !ok {
		return nil, internalErrorf("starttls on non-socket transport")
	}
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: config.Host}
	}
	tlsConn := tls.Client(dc.Conn, tlsConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, transportError(fmt.Errorf("tls handshake failed: %w", err))
	}
	return &deadlineConn{
		Conn:         tlsConn,
		readTimeout:  dc.readTimeout,
		writeTimeout: dc.writeTimeout,
	}, nil
}

// processConn adapts a child process's stdio to io.ReadWriteCloser.
type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *processConn) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// dialProcess spawns the configured shell command and uses its stdio as
// the IMAP stream. Used for tunneled connections (e.g. ssh + imapd).
func dialProcess(ctx context.Context, config TransportConfig) (io.ReadWriteCloser, error) {
	command := strings.ReplaceAll(config.ShellCommand, "%h", config.Host)
	command = strings.ReplaceAll(command, "%u", config.Username)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(cmd.Environ(),
		"URL=imap://"+net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		"URLHOST="+config.Host,
		"URLPORT="+strconv.Itoa(config.Port),
		"URLUSER="+config.Username,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, transportError(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, transportError(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, transportError(fmt.Errorf("failed to spawn %q: %w", command, err))
	}

	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
