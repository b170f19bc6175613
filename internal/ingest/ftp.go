package ingest

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultFTPTimeout bounds dialing the distributor FTP server.
const DefaultFTPTimeout = 30 * time.Second

// FTPSource pulls sales files from an FTP server. Credentials come from the
// URL user info and fall back to anonymous login.
type FTPSource struct {
	Timeout time.Duration
}

type ftpTarget struct {
	host, path, user, password string
}

// parseFTPURL splits an ftp:// URL into dial address, path and credentials.
func parseFTPURL(raw string) (ftpTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "ingest: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("ingest: expected ftp scheme, got %q", u.Scheme)
	}
	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, err := net.SplitHostPort(t.host); err != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if t.path == "" || t.path == "/" {
		return ftpTarget{}, eris.New("ingest: empty path in ftp url")
	}
	if u.User != nil {
		t.user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			t.password = p
		}
	}
	return t, nil
}

// Download copies the file at rawURL into dir and returns the local path.
// The local name keeps the remote extension so ReadFile can pick a reader.
func (s FTPSource) Download(ctx context.Context, rawURL, dir string) (string, error) {
	t, err := parseFTPURL(rawURL)
	if err != nil {
		return "", err
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultFTPTimeout
	}

	zap.L().Debug("ingest: ftp connecting", zap.String("host", t.host), zap.String("path", t.path))
	conn, err := ftp.Dial(t.host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", eris.Wrap(err, "ingest: ftp dial")
	}
	defer conn.Quit() //nolint:errcheck

	if err := conn.Login(t.user, t.password); err != nil {
		return "", eris.Wrap(err, "ingest: ftp login")
	}
	resp, err := conn.Retr(t.path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: ftp retrieve %s", t.path)
	}
	defer resp.Close() //nolint:errcheck

	local := filepath.Join(dir, path.Base(t.path))
	f, err := os.Create(local)
	if err != nil {
		return "", eris.Wrap(err, "ingest: create local file")
	}
	defer f.Close() //nolint:errcheck

	n, err := io.Copy(f, resp)
	if err != nil {
		return "", eris.Wrap(err, "ingest: ftp copy")
	}
	zap.L().Info("ingest: ftp file downloaded", zap.String("path", t.path), zap.Int64("bytes", n))
	return local, nil
}

// Load reads rows from a local path or, for ftp:// URLs, from a temporary
// download of the remote file.
func Load(ctx context.Context, src string, opts Options, ftpSrc FTPSource) ([][]string, error) {
	if !strings.HasPrefix(strings.ToLower(src), "ftp://") {
		return ReadFile(ctx, src, opts)
	}
	dir, err := os.MkdirTemp("", "salesrecon-ftp-*")
	if err != nil {
		return nil, eris.Wrap(err, "ingest: temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	local, err := ftpSrc.Download(ctx, src, dir)
	if err != nil {
		return nil, err
	}
	return ReadFile(ctx, local, opts)
}
