package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig describes how to reach a host with an rtl-sdr attached.
type SSHConfig struct {
	Host     string
	User     string
	Password string
	KeyPath  string
	Port     int
	// Command is the remote rtl_sdr binary.
	Command string
	// DialTimeout bounds connection setup.
	DialTimeout time.Duration
}

// RemoteDevice runs rtl_sdr on another machine over SSH and streams its
// standard output. This keeps the dongle close to the antenna while the
// receiver runs elsewhere.
type RemoteDevice struct {
	mu      sync.Mutex
	cfg     SSHConfig
	tuner   Config
	client  *ssh.Client
	session *ssh.Session
	// abort interrupts a connection attempt in progress.
	abort     context.CancelFunc
	cancelled bool
}

// NewRemoteDevice validates cfg. No connection is made until Start.
func NewRemoteDevice(cfg SSHConfig, tuner Config) (*RemoteDevice, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh host is required for a remote rtl-sdr")
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Command == "" {
		cfg.Command = "rtl_sdr"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if tuner.SampleRate == 0 || tuner.Frequency == 0 {
		return nil, fmt.Errorf("remote rtl-sdr needs a frequency and a sample rate")
	}
	return &RemoteDevice{cfg: cfg, tuner: tuner}, nil
}

// Format implements Device.
func (d *RemoteDevice) Format() Format { return CU8 }

// CommandLine returns the remote command. rtl_sdr writes to stdout when the
// output file is "-".
func (d *RemoteDevice) CommandLine() string {
	args := []string{
		shellQuote(d.cfg.Command),
		"-d", fmt.Sprint(d.tuner.DeviceIndex),
		"-f", fmt.Sprint(d.tuner.Frequency),
		"-s", fmt.Sprint(d.tuner.SampleRate),
	}
	if !d.tuner.AutoGain {
		args = append(args, "-g", fmt.Sprintf("%.1f", d.tuner.Gain))
	}
	return strings.Join(append(args, "-"), " ")
}

// Start implements Device. A Cancel that arrives while the connection is
// still being set up makes Start return nil without streaming.
func (d *RemoteDevice) Start(fn func([]byte)) error {
	ctx, abort := context.WithCancel(context.Background())
	defer abort()
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return nil
	}
	d.abort = abort
	d.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	client, err := d.dial(dialCtx)
	cancel()
	if err != nil {
		if d.isCancelled() {
			return nil
		}
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		if d.isCancelled() {
			return nil
		}
		return fmt.Errorf("create ssh session: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("attach remote stdout: %w", err)
	}
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		session.Close()
		return nil
	}
	d.session = session
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.session = nil
		d.mu.Unlock()
		session.Close()
	}()

	if err := session.Start(d.CommandLine()); err != nil {
		if d.isCancelled() {
			return nil
		}
		return fmt.Errorf("start remote rtl_sdr: %w", err)
	}

	buf := make([]byte, d.tuner.chunk())
	for {
		n, err := io.ReadFull(stdout, buf)
		n -= n % BlockBytes
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			if d.isCancelled() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if werr := session.Wait(); werr != nil {
					return fmt.Errorf("remote rtl_sdr exited: %w", werr)
				}
				return nil
			}
			return fmt.Errorf("read remote samples: %w", err)
		}
	}
}

func (d *RemoteDevice) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

// Cancel implements Device. It terminates the remote process, which ends
// the stream seen by Start, or abandons a connection still being made.
func (d *RemoteDevice) Cancel() error {
	d.mu.Lock()
	d.cancelled = true
	session, abort := d.session, d.abort
	d.mu.Unlock()
	if abort != nil {
		abort()
	}
	if session == nil {
		return nil
	}
	_ = session.Signal(ssh.SIGTERM)
	return session.Close()
}

// Close implements Device.
func (d *RemoteDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *RemoteDevice) dial(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	auth := []ssh.AuthMethod{}
	if d.cfg.Password != "" {
		auth = append(auth, ssh.Password(d.cfg.Password))
	}
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh password or key configured")
	}

	config := &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(d.cfg.Host, fmt.Sprint(d.cfg.Port))
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}

	// The handshake does not take a context; closing the connection is what
	// unblocks it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if !stop() && err == nil {
		clientConn.Close()
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	client = ssh.NewClient(clientConn, chans, reqs)
	d.mu.Lock()
	d.client = client
	d.mu.Unlock()
	return client, nil
}

// shellQuote returns a value wrapped in single quotes with embedded quotes escaped
// for safe shell usage.
func shellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", "'\\''")
	return fmt.Sprintf("'%s'", escaped)
}
