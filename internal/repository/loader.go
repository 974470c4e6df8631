// Package repository loads per-site politeness intervals from the site repository
// document at startup.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/policy/throttle"
)

// DefaultTimeout bounds a single repository fetch.
const DefaultTimeout = 30 * time.Second

// ErrInvalidDocument is returned for documents that do not decode or carry bad entries.
var ErrInvalidDocument = errors.New("invalid site repository document")

// Site is one entry of the repository document.
type Site struct {
	Domain string `json:"domain"`
	// MinDownloadInterval is in seconds; fractions are allowed.
	MinDownloadInterval float64 `json:"min_download_interval"`
}

// Document is the repository payload.
type Document struct {
	Sites []Site `json:"sites"`
}

// Config controls the loader.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Loader fetches the repository document with a colly collector. file URLs and
// bare paths are read from disk.
type Loader struct {
	base   *colly.Collector
	logger *zap.Logger
}

// NewLoader builds a Loader.
func NewLoader(cfg Config, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	opts := []colly.CollectorOption{colly.AllowURLRevisit()}
	if cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(cfg.UserAgent))
	}
	base := colly.NewCollector(opts...)
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	base.WithTransport(transport)
	base.SetRequestTimeout(cfg.Timeout)
	return &Loader{base: base, logger: logger}
}

// Load fetches rawURL and returns one interval per site.
func (l *Loader) Load(ctx context.Context, rawURL string) ([]throttle.Interval, error) {
	body, err := l.fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch site repository %s: %w", rawURL, err)
	}
	intervals, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse site repository %s: %w", rawURL, err)
	}
	l.logger.Info("site repository loaded", zap.String("url", rawURL), zap.Int("sites", len(intervals)))
	return intervals, nil
}

func (l *Loader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path, ok := localPath(rawURL); ok {
		return os.ReadFile(path)
	}
	collector := l.base.Clone()
	var (
		once sync.Once
		body []byte
		ferr error
	)
	collector.OnResponse(func(r *colly.Response) {
		once.Do(func() { body = append([]byte(nil), r.Body...) })
	})
	collector.OnError(func(r *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		once.Do(func() { ferr = err })
	})
	err := collector.Visit(rawURL)
	collector.Wait()
	if ferr != nil {
		return nil, ferr
	}
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("colly fetch produced no result")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return body, nil
}

func localPath(rawURL string) (string, bool) {
	if path, ok := strings.CutPrefix(rawURL, "file://"); ok {
		return path, true
	}
	if !strings.Contains(rawURL, "://") {
		return rawURL, true
	}
	return "", false
}

// Parse decodes a repository document. Interval minimums are seconds*1000 ms.
func Parse(body []byte) ([]throttle.Interval, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	out := make([]throttle.Interval, 0, len(doc.Sites))
	for i, s := range doc.Sites {
		domain := strings.ToLower(strings.TrimSpace(s.Domain))
		if domain == "" {
			return nil, fmt.Errorf("%w: site %d has no domain", ErrInvalidDocument, i)
		}
		if s.MinDownloadInterval < 0 {
			return nil, fmt.Errorf("%w: site %s has a negative interval", ErrInvalidDocument, domain)
		}
		out = append(out, throttle.Interval{
			Domain: domain,
			Min:    time.Duration(s.MinDownloadInterval * float64(time.Second)),
		})
	}
	return out, nil
}
