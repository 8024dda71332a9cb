// Package download fetches release artifacts over HTTP with resume support.
//
// Bytes are streamed into "<dest>.partial"; an interrupted download leaves the
// partial file behind and the next attempt continues from its length with a
// Range request. The partial file is renamed onto dest only once the body
// has been read completely and synced.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// PartialSuffix is appended to the destination while a download is in flight.
	PartialSuffix = ".partial"

	bufferSize = 32 * 1024
)

// ProgressFunc receives the bytes written so far, counting any resumed
// prefix, and the expected total (0 when unknown).
type ProgressFunc func(downloaded, total uint64)

// Result describes a finished download.
type Result struct {
	Path            string
	BytesDownloaded uint64
	Resumed         bool
}

// NetworkError wraps transport failures. These are worth retrying; the
// partial file is kept so the retry resumes.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error downloading %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// InvalidResponseError reports an HTTP status the downloader cannot use.
type InvalidResponseError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *InvalidResponseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid response from %s: HTTP %d: %s", e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("invalid response from %s: HTTP %d", e.URL, e.StatusCode)
}

// Downloader downloads artifacts over HTTP
type Downloader struct {
	client    *http.Client
	userAgent string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient sets the HTTP client. The client should not carry an overall
// timeout; cancel through the context instead.
func WithClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) { d.userAgent = ua }
}

// New creates a downloader
func New(opts ...Option) *Downloader {
	d := &Downloader{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		userAgent: "airdb-updater",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PartialPath returns the in-flight file for dest.
func PartialPath(dest string) string {
	return dest + PartialSuffix
}

// ReconcilePartial checks dest.partial against the byte count recorded when
// the download was interrupted and returns the offset the next Download will
// resume from. Recorded progress lags the file, so a longer partial is kept;
// a shorter one was truncated or replaced and is discarded.
func ReconcilePartial(dest string, recorded uint64) (uint64, error) {
	partial := PartialPath(dest)
	info, err := os.Stat(partial)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to inspect partial download: %w", err)
	}
	size := uint64(info.Size())
	if size >= recorded {
		return size, nil
	}

	log.WithFields(log.Fields{
		"partial":  size,
		"recorded": recorded,
	}).Warn("Distrusting partial download shorter than recorded progress, restarting")
	if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to discard partial download: %w", err)
	}
	return 0, nil
}

// Download fetches url into dest, resuming from dest.partial when present.
func (d *Downloader) Download(ctx context.Context, url, dest string, onProgress ProgressFunc) (*Result, error) {
	partial := PartialPath(dest)
	if err := os.MkdirAll(filepath.Dir(partial), 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	var offset uint64
	if info, err := os.Stat(partial); err == nil {
		offset = uint64(info.Size())
	}
	resumed := offset > 0

	log.Debugf("starting download from %s (offset %d)", url, offset)

	resp, err := d.get(ctx, url, offset)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			resp.Body.Close()
			return nil, &InvalidResponseError{URL: url, StatusCode: resp.StatusCode,
				Reason: fmt.Sprintf("range starts at %d, expected %d", start, offset)}
		}
		if ok && total > 0 {
			return d.write(ctx, resp, url, partial, dest, offset, total, resumed, onProgress)
		}

	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			log.Infof("server ignored range request for %s, restarting download", url)
			offset = 0
			resumed = false
		}

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		_, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		resp.Body.Close()
		if ok && total == offset {
			log.Debugf("partial download of %s already complete", url)
			if err := finalize(partial, dest); err != nil {
				return nil, err
			}
			if onProgress != nil {
				onProgress(offset, total)
			}
			return &Result{Path: dest, BytesDownloaded: offset, Resumed: true}, nil
		}

		log.Infof("partial download of %s is unusable, restarting", url)
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to discard partial download: %w", err)
		}
		offset = 0
		resumed = false
		resp, err = d.get(ctx, url, 0)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &InvalidResponseError{URL: url, StatusCode: resp.StatusCode}
		}

	default:
		resp.Body.Close()
		return nil, &InvalidResponseError{URL: url, StatusCode: resp.StatusCode}
	}

	var total uint64
	if resp.ContentLength >= 0 {
		total = uint64(resp.ContentLength) + offset
	}
	return d.write(ctx, resp, url, partial, dest, offset, total, resumed, onProgress)
}

func (d *Downloader) write(ctx context.Context, resp *http.Response, url, partial, dest string,
	offset, total uint64, resumed bool, onProgress ProgressFunc) (*Result, error) {
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(partial, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", partial, err)
	}
	defer func() {
		if out != nil {
			if cerr := out.Close(); cerr != nil {
				log.Warnf("error closing file %q: %v", partial, cerr)
			}
		}
	}()

	downloaded := offset
	buf := make([]byte, bufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return nil, fmt.Errorf("failed to write %s: %w", partial, werr)
			}
			downloaded += uint64(n)
			if onProgress != nil {
				onProgress(downloaded, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				rerr = ctxErr
			}
			return nil, &NetworkError{URL: url, Err: rerr}
		}
	}

	if total > 0 && downloaded != total {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("short body: got %d of %d bytes", downloaded, total)}
	}

	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync %s: %w", partial, err)
	}
	if err := out.Close(); err != nil {
		out = nil
		return nil, fmt.Errorf("failed to close %s: %w", partial, err)
	}
	out = nil

	if err := finalize(partial, dest); err != nil {
		return nil, err
	}

	log.Infof("successfully downloaded %s to %s (%d bytes)", url, dest, downloaded)
	return &Result{Path: dest, BytesDownloaded: downloaded, Resumed: resumed}, nil
}

// SupportsResume reports whether the server advertises byte ranges.
func (d *Downloader) SupportsResume(ctx context.Context, url string) bool {
	resp, err := d.head(ctx, url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
}

// ContentLength returns the size advertised by a HEAD request.
func (d *Downloader) ContentLength(ctx context.Context, url string) (uint64, bool) {
	resp, err := d.head(ctx, url)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength < 0 {
		return 0, false
	}
	return uint64(resp.ContentLength), true
}

func (d *Downloader) get(ctx context.Context, url string, offset uint64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	return resp, nil
}

func (d *Downloader) head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", d.userAgent)
	return d.client.Do(req)
}

func finalize(partial, dest string) error {
	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

// parseContentRange parses "bytes <start>-<end>/<total>" and
// "bytes */<total>". A "*" total yields 0.
func parseContentRange(h string) (start, total uint64, ok bool) {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "bytes ") {
		return 0, 0, false
	}
	spec, size, found := strings.Cut(strings.TrimPrefix(h, "bytes "), "/")
	if !found {
		return 0, 0, false
	}

	if size != "*" {
		t, err := strconv.ParseUint(size, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total = t
	}

	if spec == "*" {
		return 0, total, true
	}
	first, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	s, err := strconv.ParseUint(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return s, total, true
}

// IsRetryable reports whether err came from the network and a later attempt
// may succeed.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
