// Package fetchproc implements the fetch daemon's per-request fetch
// procedure: dedup check, conditional HEAD, download, extraction, cleanup.
package fetchproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clearlinux/dbginfo/internal/archive"
	"github.com/clearlinux/dbginfo/internal/dedup"
)

// Status codes returned by Fetch, matching the error taxonomy in the
// protocol contract. These are not real HTTP statuses surfaced to any
// client; they are FD-internal outcomes used for logging and mirror
// rotation decisions.
const (
	StatusOK               = 200
	StatusDeduped          = 300
	StatusInitFailure      = 301
	StatusNotModified      = 304
	StatusAbsent           = 404
	StatusExtractionFailed = 418
	StatusTempFileFailure  = 500
)

const (
	connectTimeout  = 30 * time.Second
	lowSpeedLimit   = 1024 // bytes/sec
	lowSpeedWindow  = 30 * time.Second
	downloadTimeout = 10 * time.Minute
)

// Fetcher performs the download-and-extract procedure for artifact URLs.
type Fetcher struct {
	client *http.Client
	dedup  *dedup.Table
	group  singleflight.Group
	tmpDir string
}

// New builds a Fetcher. tmpDir is the directory temporary download files
// are created under, mirroring the reference's mkstemp("/tmp/clr-debug-info-XXXXXX").
func New(dedupTable *dedup.Table, tmpDir string) *Fetcher {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Fetcher{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		dedup:  dedupTable,
		tmpDir: tmpDir,
	}
}

// Fetch runs the full procedure for one artifact URL and returns its
// terminal status code. cacheRoot is the extraction root for this
// request's prefix.
func (f *Fetcher) Fetch(ctx context.Context, url, cacheRoot string, clientTimestamp int64) int {
	if !f.dedup.ShouldFetch(url) {
		return StatusDeduped
	}

	// ShouldFetch checks and records url under one lock, so a concurrent
	// second request for the same url already returned StatusDeduped
	// above; singleflight is a second, in-process guard around the
	// download itself.
	v, _, _ := f.group.Do(url, func() (interface{}, error) {
		return f.doFetch(ctx, url, cacheRoot, clientTimestamp), nil
	})
	return v.(int)
}

func (f *Fetcher) doFetch(ctx context.Context, url, cacheRoot string, clientTimestamp int64) int {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	info, err := f.headInfo(ctx, url, clientTimestamp)
	if err != nil {
		return StatusInitFailure
	}
	if info.notModified {
		return StatusNotModified
	}

	tmp, err := os.CreateTemp(f.tmpDir, "clr-debug-info-*")
	if err != nil {
		return StatusTempFileFailure
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	defer tmp.Close()

	status, fileTime, size, err := f.download(ctx, url, clientTimestamp, tmp)
	if err != nil {
		return StatusExtractionFailed
	}

	switch status {
	case http.StatusOK:
		// fall through to extraction below
	case http.StatusNotModified:
		return StatusNotModified
	case http.StatusNotFound:
		return StatusAbsent
	default:
		return status
	}

	if !fileTime.IsZero() {
		os.Chtimes(tmpName, fileTime, fileTime)
	}

	if size <= 0 {
		return StatusExtractionFailed
	}

	if err := archive.Dryrun(tmpName, cacheRoot); err != nil {
		return StatusExtractionFailed
	}
	if err := archive.Extract(tmpName, cacheRoot); err != nil {
		return StatusExtractionFailed
	}

	return StatusOK
}

type headResult struct {
	notModified bool
}

func (f *Fetcher) headInfo(ctx context.Context, url string, clientTimestamp int64) (headResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return headResult{}, err
	}
	if clientTimestamp != 0 {
		req.Header.Set("If-Modified-Since", time.Unix(clientTimestamp, 0).UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// A HEAD failure is not fatal; the GET below will surface the real
		// status. This mirrors curl_get_file_info's best-effort nature.
		return headResult{}, nil
	}
	defer resp.Body.Close()

	return headResult{notModified: resp.StatusCode == http.StatusNotModified}, nil
}

// download performs the GET, applying the low-speed abort and returning
// the HTTP status, the server-reported file modification time if any, and
// the number of bytes written.
func (f *Fetcher) download(ctx context.Context, url string, clientTimestamp int64, dst *os.File) (status int, fileTime time.Time, size int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	if clientTimestamp != 0 {
		req.Header.Set("If-Modified-Since", time.Unix(clientTimestamp, 0).UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, time.Time{}, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, time.Time{}, 0, nil
	}

	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			fileTime = t
		}
	}

	n, err := io.Copy(dst, newLowSpeedReader(resp.Body))
	if err != nil {
		return 0, time.Time{}, 0, err
	}

	return http.StatusOK, fileTime, n, nil
}

// lowSpeedReader wraps a response body and aborts the read if the average
// throughput since the start drops below lowSpeedLimit once at least
// lowSpeedWindow has elapsed, mirroring CURLOPT_LOW_SPEED_LIMIT/TIME.
type lowSpeedReader struct {
	r     io.Reader
	start time.Time
	read  int64
}

func newLowSpeedReader(r io.Reader) *lowSpeedReader {
	return &lowSpeedReader{r: r, start: time.Now()}
}

var errLowSpeed = errors.New("fetchproc: transfer below low-speed limit")

func (l *lowSpeedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)

	if elapsed := time.Since(l.start); elapsed >= lowSpeedWindow {
		rate := float64(l.read) / elapsed.Seconds()
		if rate < lowSpeedLimit {
			return n, fmt.Errorf("%w: %.1f B/s", errLowSpeed, rate)
		}
	}
	return n, err
}
