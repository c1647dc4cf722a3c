// Package tripdata downloads the monthly Citi Bike trip archives, cleans the
// rides they contain and aggregates them into hourly station counts.
package tripdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
	"github.com/sirupsen/logrus"

	"github.com/lox/bikecast/internal/httputil"
	"github.com/lox/bikecast/internal/metrics"
	"github.com/lox/bikecast/internal/store"
)

const DefaultBaseURL = "https://s3.amazonaws.com/tripdata"

// ErrArchiveNotFound is returned when no archive is published for a month.
var ErrArchiveNotFound = errors.New("trip archive not found")

// Config controls where archives come from and how they are fetched.
type Config struct {
	// BaseURL is an http(s):// or ftp:// prefix holding the monthly archives.
	BaseURL string
	// Retries is the number of extra attempts after a transient failure.
	// Zero means a failed download aborts immediately.
	Retries int
	Timeout time.Duration
	// Refresh ignores cached archives.
	Refresh bool
}

// ArchiveCache stores downloaded archives by month (YYYYMM).
type ArchiveCache interface {
	GetArchive(ctx context.Context, month string) (*store.TripArchive, error)
	StoreArchive(ctx context.Context, month, url string, data []byte) error
}

type Downloader struct {
	cfg    Config
	client *http.Client
	cache  ArchiveCache
	log    logrus.FieldLogger
}

// NewDownloader returns a downloader. cache may be nil.
func NewDownloader(cfg Config, cache ArchiveCache, log logrus.FieldLogger) *Downloader {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Downloader{
		cfg:    cfg,
		client: httputil.NewClient(cfg.Timeout),
		cache:  cache,
		log:    log,
	}
}

// MonthKey formats a month as YYYYMM.
func MonthKey(month time.Time) string {
	return month.Format("200601")
}

// Months returns the first instant of every month from start to end inclusive.
func Months(start, end time.Time) []time.Time {
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []time.Time
	for ; !cur.After(last); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur)
	}
	return out
}

// ArchiveURLs returns the candidate archive locations for a month in the
// order they are tried.
func (d *Downloader) ArchiveURLs(month time.Time) []string {
	key := MonthKey(month)
	return []string{
		fmt.Sprintf("%s/%s-citibike-tripdata.csv.zip", d.cfg.BaseURL, key),
		fmt.Sprintf("%s/%s-citibike-tripdata.zip", d.cfg.BaseURL, key),
	}
}

// FetchMonth returns the archive bytes for a month and the URL they came
// from, using the cache when possible.
func (d *Downloader) FetchMonth(ctx context.Context, month time.Time) ([]byte, string, error) {
	key := MonthKey(month)
	log := d.log.WithField("month", key)

	if d.cache != nil && !d.cfg.Refresh {
		cached, err := d.cache.GetArchive(ctx, key)
		if err != nil {
			return nil, "", fmt.Errorf("read archive cache: %w", err)
		}
		if cached != nil {
			log.WithField("bytes", cached.SizeBytes).Debug("using cached archive")
			return cached.Archive, cached.URL, nil
		}
	}

	for _, u := range d.ArchiveURLs(month) {
		data, err := d.fetch(ctx, u)
		if errors.Is(err, ErrArchiveNotFound) {
			log.WithField("url", u).Info("archive not published, trying next name")
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", key, err)
		}

		log.WithFields(logrus.Fields{"url": u, "bytes": len(data)}).Info("downloaded archive")
		if d.cache != nil {
			if err := d.cache.StoreArchive(ctx, key, u, data); err != nil {
				return nil, "", fmt.Errorf("cache archive: %w", err)
			}
		}
		return data, u, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrArchiveNotFound, key)
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var get func(context.Context, *url.URL) ([]byte, error)
	switch u.Scheme {
	case "http", "https":
		get = d.getHTTP
	case "ftp":
		get = d.getFTP
	default:
		return nil, fmt.Errorf("unsupported archive scheme %q", u.Scheme)
	}

	var body []byte
	operation := func() error {
		start := time.Now()
		b, err := get(ctx, u)
		metrics.ArchiveDownloadLatency.WithLabelValues(u.Scheme).Observe(time.Since(start).Seconds())
		status := "ok"
		switch {
		case errors.Is(err, ErrArchiveNotFound):
			status = "not_found"
		case err != nil:
			status = "error"
		}
		metrics.ArchiveDownloadsTotal.WithLabelValues(u.Scheme, status).Inc()
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Minute
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(d.cfg.Retries, 0))), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func (d *Downloader) getHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		// S3 answers 403 for missing keys in public buckets
		return nil, backoff.Permanent(ErrArchiveNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (d *Downloader) getFTP(ctx context.Context, u *url.URL) ([]byte, error) {
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}
	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = httputil.DefaultTimeout
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("ftp login: %w", err))
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		var protoErr *textproto.Error
		if errors.As(err, &protoErr) && protoErr.Code == ftp.StatusFileUnavailable {
			return nil, backoff.Permanent(ErrArchiveNotFound)
		}
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
