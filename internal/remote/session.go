package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sqcore/sqdeploy/internal/config"
)

// ErrSizeMismatch is returned when an uploaded file has a different size on the server
var ErrSizeMismatch = errors.New("remote size does not match local size")

// Session is one SSH connection to the deploy server carrying both a
// command channel and an SFTP channel. Close releases both.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client
	logger *slog.Logger
}

// Dial connects to the configured server with public key authentication
func Dial(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Session, error) {
	clientConfig, err := ClientConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	logger.Info("connecting", "addr", addr, "user", cfg.User)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}

	return NewSession(ssh.NewClient(c, chans, reqs), logger)
}

// NewSession opens the SFTP channel on an established SSH client.
// The session takes ownership of client.
func NewSession(client *ssh.Client, logger *slog.Logger) (*Session, error) {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}
	return &Session{client: client, sftp: sftpClient, logger: logger}, nil
}

// ClientConfig builds the SSH client configuration from the server settings
func ClientConfig(cfg config.ServerConfig, logger *slog.Logger) (*ssh.ClientConfig, error) {
	signer, err := loadSigner(cfg.KeyFile, cfg.KeyPassphraseFile)
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
	} else {
		logger.Warn("server.known_hosts_file not set, accepting any host key", "host", cfg.Host)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func loadSigner(keyFile, passphraseFile string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	if passphraseFile == "" {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", keyFile, err)
		}
		return signer, nil
	}

	passphrase, err := os.ReadFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key passphrase: %w", err)
	}
	signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(strings.TrimSpace(string(passphrase))))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", keyFile, err)
	}
	return signer, nil
}

// Run executes command on the server and returns its combined output
func (s *Session) Run(ctx context.Context, command string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open exec channel: %w", err)
	}
	defer func() {
		_ = sess.Close()
	}()

	// Closing the channel is the only way to abandon a running remote command
	stop := context.AfterFunc(ctx, func() {
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
	})
	defer stop()

	s.logger.Info("executing remote command", "command", command)
	output, err := sess.CombinedOutput(command)
	out := string(output)
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			s.logger.Debug(line, "remote", true)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("remote command %q failed: %w: %s", command, err, strings.TrimSpace(out))
	}
	return out, nil
}

// MkdirAll creates dir and its missing parents on the server
func (s *Session) MkdirAll(dir string) (bool, error) {
	return MkdirAll(s.sftp, dir)
}

// RemoveAll deletes dir recursively over SFTP
func (s *Session) RemoveAll(dir string) error {
	return RemoveAll(s.sftp, dir)
}

// RemoveContents empties dir recursively over SFTP, keeping dir
func (s *Session) RemoveContents(dir string) error {
	return RemoveContents(s.sftp, dir)
}

// Upload copies a local file to remotePath and confirms the remote size
func (s *Session) Upload(localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", remotePath, err)
	}

	n, err := io.Copy(dst, src)
	if err != nil {
		_ = dst.Close()
		return n, fmt.Errorf("failed to upload %s: %w", localPath, err)
	}
	if err := dst.Close(); err != nil {
		return n, fmt.Errorf("failed to close %s: %w", remotePath, err)
	}

	info, err := s.sftp.Stat(remotePath)
	if err != nil {
		return n, fmt.Errorf("failed to stat %s: %w", remotePath, err)
	}
	if info.Size() != n {
		return n, fmt.Errorf("%s: %w (%d != %d)", remotePath, ErrSizeMismatch, info.Size(), n)
	}
	return n, nil
}

// Close shuts down the SFTP channel and the SSH connection
func (s *Session) Close() error {
	return errors.Join(s.sftp.Close(), s.client.Close())
}
