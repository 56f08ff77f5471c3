package sftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	gosftp "github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/pithecene-io/dredge/creds"
)

// clientConn wraps an SSH transport and its SFTP subsystem session.
type clientConn struct {
	ssh  *ssh.Client
	sftp *gosftp.Client
}

var _ Conn = (*clientConn)(nil)

func (c *clientConn) Getwd() (string, error) { return c.sftp.Getwd() }

func (c *clientConn) ReadDir(path string) ([]os.FileInfo, error) { return c.sftp.ReadDir(path) }

func (c *clientConn) Stat(path string) (os.FileInfo, error) { return c.sftp.Stat(path) }

func (c *clientConn) Open(path string) (io.ReadCloser, error) { return c.sftp.Open(path) }

func (c *clientConn) Close() error {
	err := c.sftp.Close()
	if cerr := c.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dial opens an SFTP session with password credentials resolved from the
// provider under the pool's config name.
func Dial(ctx context.Context, cfg Config, provider creds.Provider) (Conn, error) {
	username, err := provider.GetCredential(ctx, cfg.Name, "username")
	if err != nil {
		return nil, fmt.Errorf("resolve username for %q: %w", cfg.Name, err)
	}
	password, err := provider.GetCredential(ctx, cfg.Name, "password")
	if err != nil {
		return nil, fmt.Errorf("resolve password for %q: %w", cfg.Name, err)
	}

	hostKey := cfg.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	sshCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	sshClient, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	sftpClient, err := gosftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("open sftp subsystem on %s: %w", addr, err)
	}

	return &clientConn{ssh: sshClient, sftp: sftpClient}, nil
}
