// Package fetch is the transport collaborator spec.md §6 leaves abstract:
// it resolves a URI (file://, http://, https://, ftp://) to bytes, honoring
// the 60-second/<1KiB-per-second abandonment rule, and opens local paths or
// remote URIs as a stream for the template/recipe loaders. Grounded in
// fetch.h/fetch.c (libcurl-backed in the original; net/http and
// github.com/jlaffaye/ftp stand in for libcurl here).
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dadap/pigdo/internal/pigdoerr"
)

// StallTimeout and MinThroughput implement the abandonment rule: a fetch
// that has been running longer than StallTimeout while averaging under
// MinThroughput bytes/sec is abandoned as failed, mirroring the informal
// "give up and let the caller retry against another mirror" policy in
// spec.md §5.
const (
	StallTimeout   = 60 * time.Second
	MinThroughput  = 1024 // bytes/sec
)

// Client fetches file parts and opens recipe/template streams over
// file://, http://, https://, and ftp:// URIs.
type Client struct {
	HTTP *http.Client
	Log  *logrus.Entry
}

// NewClient builds a Client with sane defaults: net/http's DefaultClient
// (so redirects are followed per its default CheckRedirect policy) and the
// standard logrus logger if log is nil.
func NewClient(log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{HTTP: http.DefaultClient, Log: log}
}

// Fetch downloads uri into buf, returning the number of bytes written.
// It refuses to write past len(buf) and aborts if, after StallTimeout, the
// transfer averages below MinThroughput; see readThrottled for when that
// check runs. progress, if non-nil,
// is called after every read with the cumulative byte count, so a caller
// can mirror it into a FilePart.FetchedBytes field for the progress dump.
func (c *Client) Fetch(ctx context.Context, uri string, buf []byte, progress func(int64)) (int, error) {
	rc, _, err := c.open(ctx, uri)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	return readThrottled(ctx, rc, buf, progress)
}

// readThrottled copies from r into buf, failing if the transfer has run
// longer than StallTimeout while averaging below MinThroughput. The check
// runs only after a Read that returned data; a Read that blocks without
// returning is not interrupted by it.
func readThrottled(ctx context.Context, r io.Reader, buf []byte, progress func(int64)) (int, error) {
	start := time.Now()
	var total int

	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n

		if progress != nil {
			progress(int64(total))
		}

		if n > 0 {
			elapsed := time.Since(start).Seconds()
			if elapsed > StallTimeout.Seconds() && float64(total)/elapsed < MinThroughput {
				return total, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, "transfer stalled below minimum throughput")
			}
		}

		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "read").Error())
		}

		select {
		case <-ctx.Done():
			return total, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, ctx.Err().Error())
		default:
		}
	}

	return total, nil
}

// Open returns a stream for pathOrURI: a direct file handle for local
// paths and file:// URIs, an HTTP(S) response body for http(s):// URIs, or
// an FTP download stream for ftp:// URIs. size reports Content-Length (or
// the FTP SIZE response) when the transport can determine it, else -1.
func (c *Client) Open(ctx context.Context, pathOrURI string) (io.ReadCloser, int64, error) {
	return c.open(ctx, pathOrURI)
}

func (c *Client) open(ctx context.Context, pathOrURI string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(pathOrURI)
	if err != nil || u.Scheme == "" {
		// Not a URI; treat as a bare local path.
		return openFile(pathOrURI)
	}

	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "http", "https":
		return c.openHTTP(ctx, pathOrURI)
	case "ftp":
		return c.openFTP(ctx, u)
	default:
		return nil, -1, pigdoerr.Wrapf(pigdoerr.ErrFetchFailed, "unsupported URI scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "open local file").Error())
	}

	size := int64(-1)
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}

	return f, size, nil
}

func (c *Client) openHTTP(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "build request").Error())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "HTTP GET").Error())
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, -1, pigdoerr.Wrapf(pigdoerr.ErrFetchFailed, "HTTP GET %s: status %s", uri, resp.Status)
	}

	return resp.Body, resp.ContentLength, nil
}

func (c *Client) openFTP(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx))
	if err != nil {
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "FTP dial").Error())
	}

	user := "anonymous"
	pass := "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}

	if err := conn.Login(user, pass); err != nil {
		conn.Quit()
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "FTP login").Error())
	}

	size := int64(-1)
	if sz, err := conn.FileSize(u.Path); err == nil {
		size = sz
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		conn.Quit()
		return nil, -1, pigdoerr.Wrap(pigdoerr.ErrFetchFailed, errors.Wrap(err, "FTP RETR").Error())
	}

	return &ftpReadCloser{resp: resp, conn: conn}, size, nil
}

// ftpReadCloser closes both the response stream and the control connection
// it came from, since jlaffaye/ftp's Response doesn't own the connection.
type ftpReadCloser struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (f *ftpReadCloser) Read(p []byte) (int, error) {
	return f.resp.Read(p)
}

func (f *ftpReadCloser) Close() error {
	err := f.resp.Close()
	if qerr := f.conn.Quit(); err == nil {
		err = qerr
	}
	return err
}

// IsURI reports whether path names a URI pigdo recognizes (as opposed to a
// bare local filesystem path), mirroring fetch.c's isURI().
func IsURI(path string) bool {
	u, err := url.Parse(path)
	return err == nil && u.Scheme != ""
}
