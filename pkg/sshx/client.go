// Package sshx maintains a single authenticated SSH connection to an
// embedded device and multiplexes many short command invocations over
// it. Devices running old firmware frequently only offer ssh-rsa host
// keys and a password-only BusyBox login, so the client enables the
// legacy algorithms and skips host identity verification.
package sshx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Runner executes a shell command fragment on the device and returns
// its combined output. It is the only surface the rest of fwpush needs,
// which lets tests substitute a fake device.
type Runner interface {
	Run(ctx context.Context, cmd string) (string, error)
	RunInput(ctx context.Context, cmd string, stdin io.Reader) (string, error)

	// Output returns stdout alone, so binary payloads (config backups,
	// file pulls) are not interleaved with stderr noise.
	Output(ctx context.Context, cmd string) ([]byte, error)
}

// Config describes how to reach one device.
type Config struct {
	Address  string // host or host:port; port 22 assumed when missing
	User     string
	Password string

	// DialTimeout bounds the TCP+handshake phase. CommandTimeout bounds
	// each individual Run unless the caller's context is tighter.
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Client is a Runner backed by one live ssh.Client. Each Run opens a
// fresh session on the shared connection, so sequential commands skip
// the per-call handshake cost entirely.
type Client struct {
	addr string
	cfg  Config
	cli  *ssh.Client
	log  *zap.SugaredLogger
}

// Dial connects and authenticates. The returned Client must be closed
// on every exit path; Close is safe to call more than once.
func Dial(cfg Config, log *zap.SugaredLogger) (*Client, error) {
	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 60 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = cfg.Password
				}
				return answers, nil
			}),
		},
		// Firmware old enough to need this tool predates host key
		// rotation support; identity pinning happens out of band.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		HostKeyAlgorithms: []string{
			ssh.KeyAlgoED25519,
			ssh.KeyAlgoRSASHA512,
			ssh.KeyAlgoRSASHA256,
			ssh.KeyAlgoRSA,
			ssh.KeyAlgoDSA,
		},
		Timeout: cfg.DialTimeout,
	}

	cli, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	log.Debugw("ssh connection established", "addr", addr, "user", cfg.User)
	return &Client{addr: addr, cfg: cfg, cli: cli, log: log}, nil
}

// Host returns the device host without the port.
func (c *Client) Host() string {
	host, _, _ := net.SplitHostPort(c.addr)
	return host
}

// Run executes cmd in a new session on the shared connection and
// returns combined stdout+stderr. The context deadline (or the
// configured CommandTimeout, whichever is tighter) aborts the session.
func (c *Client) Run(ctx context.Context, cmd string) (string, error) {
	return c.RunInput(ctx, cmd, nil)
}

// RunInput is Run with the command's stdin fed from a local reader.
// Used by transfer strategies that pipe encoded payloads through the
// channel.
func (c *Client) RunInput(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	session, err := c.cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if stdin != nil {
		session.Stdin = stdin
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("starting %q: %w", firstWord(cmd), err)
	}
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the session unblocks Wait.
		session.Close()
		<-done
		err = ctx.Err()
	}

	output := out.String()
	if err != nil {
		return output, fmt.Errorf("remote %q: %w", firstWord(cmd), err)
	}
	return output, nil
}

// Output runs cmd and returns its stdout as raw bytes. Stderr is
// collected separately and reported only on failure.
func (c *Client) Output(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.cli.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("starting %q: %w", firstWord(cmd), err)
	}
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Close()
		<-done
		err = ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("remote %q: %w (stderr: %s)", firstWord(cmd), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// LocalIP reports the operator-side address of the connection as the
// device sees it. Transfer strategies that make the device pull from a
// transient local HTTP server need this to build a reachable URL.
func (c *Client) LocalIP() string {
	if c.cli == nil {
		return ""
	}
	host, _, _ := net.SplitHostPort(c.cli.LocalAddr().String())
	return host
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	if c.cli == nil {
		return nil
	}
	err := c.cli.Close()
	c.cli = nil
	if err != nil && !strings.Contains(err.Error(), "use of closed") {
		return err
	}
	return nil
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}
