// Package relay fetches third-party media on behalf of clients: it proxies
// bodies verbatim and probes whether a URL serves playable media.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 20 * time.Second
	DefaultRate    = 10
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid relay url")

	// ErrUnreachable wraps transport failures and upstream error statuses.
	ErrUnreachable = errors.New("upstream unreachable")
)

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	Timeout time.Duration
	// Rate is the sustained number of upstream requests per second.
	Rate  float64
	Burst int
}

// Fetcher performs rate-limited upstream requests.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// New returns a Fetcher using its own http.Client.
func New(opts Options, log *slog.Logger) *Fetcher {
	return NewWithClient(&http.Client{}, opts, log)
}

// NewWithClient returns a Fetcher using client. The client's Timeout is
// overwritten when opts.Timeout is set.
func NewWithClient(client *http.Client, opts Options, log *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Burst <= 0 {
		opts.Burst = int(opts.Rate)
		if opts.Burst < 1 {
			opts.Burst = 1
		}
	}
	client.Timeout = opts.Timeout
	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		log:     log,
	}
}

// Upstream is an open upstream response. The caller must close Body.
type Upstream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// Open fetches rawURL and returns its body and content type. Upstream
// statuses of 400 and above are reported as ErrUnreachable.
func (f *Fetcher) Open(ctx context.Context, rawURL string) (*Upstream, error) {
	resp, err := f.do(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return &Upstream{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}

// Probe reports whether rawURL answers with media. It tries HEAD first and
// falls back to a one-byte ranged GET for servers that reject HEAD.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) (playable bool, contentType string, err error) {
	resp, err := f.do(ctx, http.MethodHead, rawURL, nil)
	if err == nil && headRejected(resp.StatusCode) {
		resp.Body.Close()
		err = errHeadRejected
	}
	if err != nil {
		if errors.Is(err, ErrInvalidURL) {
			return false, "", err
		}
		resp, err = f.do(ctx, http.MethodGet, rawURL, http.Header{"Range": []string{"bytes=0-0"}})
		if err != nil {
			return false, "", err
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))

	contentType = resp.Header.Get("Content-Type")
	playable = resp.StatusCode < http.StatusBadRequest && playableType(contentType)
	f.log.Debug("probe",
		slog.String("url", rawURL),
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", contentType),
		slog.Bool("playable", playable))
	return playable, contentType, nil
}

var errHeadRejected = errors.New("head rejected")

func headRejected(status int) bool {
	switch status {
	case http.StatusMethodNotAllowed, http.StatusForbidden, http.StatusNotImplemented:
		return true
	}
	return false
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

// ParseURL accepts absolute http and https URLs only.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return u, nil
}

func playableType(ct string) bool {
	ct = strings.ToLower(ct)
	switch {
	case strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"), strings.HasPrefix(ct, "image/"):
		return true
	case strings.Contains(ct, "mpegurl"), strings.Contains(ct, "dash+xml"), strings.HasPrefix(ct, "application/octet-stream"):
		return true
	}
	return false
}
