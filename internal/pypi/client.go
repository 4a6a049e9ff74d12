package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://pypi.org/pypi"
	maxRetries     = 3
	clientTimeout  = 30 * time.Second
)

// IndexStrategy controls how a Service configured with more than one index
// (via WithIndexes) searches them for a package.
type IndexStrategy string

const (
	// FirstIndex stops at the first configured index that has the package
	// at all (pip's historical, and safer, default).
	FirstIndex IndexStrategy = "first-index"
	// UnsafeBestMatch queries every configured index and merges their
	// version→artifact maps. When two indexes list the same version, the
	// earlier index's artifacts are kept; a later index only adds versions
	// the earlier ones lack. Named for the same reason pip names
	// its equivalent flag "unsafe": a malicious or stale secondary index
	// can inject versions that look like they came from the primary one.
	UnsafeBestMatch IndexStrategy = "unsafe-best-match"
)

// Client defines the interface for communicating with the PyPI JSON API.
type Client interface {
	GetPackage(ctx context.Context, name string) (*PackageInfo, error)
	GetPackageVersion(ctx context.Context, name, version string) (*PackageInfo, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithBaseURL sets a custom base URL (useful for testing with httptest.Server).
func WithBaseURL(url string) Option {
	return func(s *Service) {
		if url != "" {
			s.baseURL = url
		}
	}
}

// WithIndexes adds extra index base URLs searched alongside baseURL,
// according to the configured IndexStrategy (WithIndexStrategy).
func WithIndexes(indexes []string) Option {
	return func(s *Service) {
		s.indexes = append(s.indexes, indexes...)
	}
}

// WithIndexStrategy sets how multiple indexes are searched. Defaults to
// FirstIndex.
func WithIndexStrategy(strategy IndexStrategy) Option {
	return func(s *Service) {
		if strategy != "" {
			s.strategy = strategy
		}
	}
}

// WithCredentialStore sets the credential store consulted for Basic auth
// against each index's origin.
func WithCredentialStore(store CredentialStore) Option {
	return func(s *Service) {
		s.credentials = store
	}
}

// WithResponseCacheDir enables an on-disk, conditionally-revalidated HTTP
// response cache rooted at dir. A failure to create dir disables the
// cache (logged, not fatal) rather than failing construction.
func WithResponseCacheDir(dir string) Option {
	return func(s *Service) {
		if dir == "" {
			return
		}

		cache, err := newResponseCache(dir)
		if err != nil {
			s.logger.Warn("disabling PyPI response cache", slog.String("dir", dir), slog.String("error", err.Error()))

			return
		}

		s.cache = cache
	}
}

// WithExcludeNewer drops every release whose every file was uploaded
// strictly after cutoff from the results of GetPackage/GetPackageVersion,
// matching spec.md §4.E/§8's exclude-newer semantics (equal is kept).
func WithExcludeNewer(cutoff time.Time) Option {
	return func(s *Service) {
		s.excludeNewer = cutoff
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service communicates with the PyPI JSON API over HTTP.
type Service struct {
	httpClient *http.Client
	baseURL    string
	indexes    []string
	strategy   IndexStrategy

	credentials  CredentialStore
	cache        *responseCache
	excludeNewer time.Time

	logger *slog.Logger
}

// compile-time proof that Service implements Client.
var _ Client = (*Service)(nil)

// New creates a new PyPI API service.
func New(opts ...Option) *Service {
	s := &Service{
		httpClient: &http.Client{Timeout: clientTimeout},
		baseURL:    defaultBaseURL,
		strategy:   FirstIndex,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GetPackage fetches metadata for a package from PyPI.
// Endpoint: GET {index}/{package_name}/json
func (s *Service) GetPackage(ctx context.Context, name string) (*PackageInfo, error) {
	return s.fetchAcrossIndexes(ctx, name, func(base string) string {
		return fmt.Sprintf("%s/%s/json", base, name)
	})
}

// GetPackageVersion fetches metadata for a specific version of a package.
// Endpoint: GET {index}/{package_name}/{version}/json
func (s *Service) GetPackageVersion(ctx context.Context, name, version string) (*PackageInfo, error) {
	return s.fetchAcrossIndexes(ctx, name, func(base string) string {
		return fmt.Sprintf("%s/%s/%s/json", base, name, version)
	})
}

// indexURLs returns baseURL followed by every index added via WithIndexes.
func (s *Service) indexURLs() []string {
	urls := make([]string, 0, 1+len(s.indexes))
	urls = append(urls, s.baseURL)
	urls = append(urls, s.indexes...)

	return urls
}

// fetchAcrossIndexes queries indexURLs() per the configured IndexStrategy.
// FirstIndex returns the first index with a usable response; UnsafeBestMatch
// queries every index and merges their release/artifact maps.
func (s *Service) fetchAcrossIndexes(ctx context.Context, name string, urlFor func(base string) string) (*PackageInfo, error) {
	bases := s.indexURLs()

	if s.strategy != UnsafeBestMatch {
		var lastErr error

		for _, base := range bases {
			info, err := s.fetch(ctx, urlFor(base), name)
			if err == nil {
				s.applyExcludeNewer(info)

				return info, nil
			}

			lastErr = err
		}

		return nil, lastErr
	}

	var (
		merged  *PackageInfo
		lastErr error
	)

	for _, base := range bases {
		info, err := s.fetch(ctx, urlFor(base), name)
		if err != nil {
			lastErr = err

			continue
		}

		if merged == nil {
			merged = info
		} else {
			mergeReleases(merged, info)
		}
	}

	if merged == nil {
		return nil, lastErr
	}

	s.applyExcludeNewer(merged)

	return merged, nil
}

// mergeReleases folds src's releases and URLs into dst, preferring dst's
// entry whenever both sides have the same version or filename.
func mergeReleases(dst, src *PackageInfo) {
	if dst.Releases == nil {
		dst.Releases = map[string][]URL{}
	}

	for v, urls := range src.Releases {
		if _, ok := dst.Releases[v]; !ok {
			dst.Releases[v] = urls
		}
	}

	seen := make(map[string]bool, len(dst.URLs))
	for _, u := range dst.URLs {
		seen[u.Filename] = true
	}

	for _, u := range src.URLs {
		if !seen[u.Filename] {
			dst.URLs = append(dst.URLs, u)
			seen[u.Filename] = true
		}
	}
}

// applyExcludeNewer drops releases (and top-level URLs) uploaded strictly
// after s.excludeNewer. A zero excludeNewer disables filtering entirely.
func (s *Service) applyExcludeNewer(info *PackageInfo) {
	if s.excludeNewer.IsZero() {
		return
	}

	info.URLs = filterByUploadCutoff(info.URLs, s.excludeNewer)

	for v, urls := range info.Releases {
		filtered := filterByUploadCutoff(urls, s.excludeNewer)
		if len(filtered) == 0 {
			delete(info.Releases, v)
		} else {
			info.Releases[v] = filtered
		}
	}
}

func filterByUploadCutoff(urls []URL, cutoff time.Time) []URL {
	out := make([]URL, 0, len(urls))

	for _, u := range urls {
		t, err := u.uploadedAt()
		if err != nil || !t.After(cutoff) {
			out = append(out, u)
		}
	}

	return out
}

// fetch performs an HTTP GET with retry and exponential backoff, then decodes the response.
// Only transient errors (5xx, network errors) are retried; permanent errors (404, bad JSON)
// are returned immediately.
func (s *Service) fetch(ctx context.Context, url, name string) (*PackageInfo, error) {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			s.logger.Debug("retrying PyPI request",
				slog.String("package", name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetching %s: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		info, err := s.doRequest(ctx, url)
		if err == nil {
			return info, nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, fmt.Errorf("fetching %s: %w", name, err)
		}

		lastErr = err
		s.logger.Debug("PyPI request failed",
			slog.String("package", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("fetching %s after %d attempts: %w", name, maxRetries, lastErr)
}

// retryableError indicates a transient error that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// doRequest performs a single HTTP GET, using the response cache for
// conditional revalidation (If-None-Match / If-Modified-Since) when one is
// configured, and decodes the resulting JSON body. Returns a
// retryableError for transient failures (5xx, network errors).
func (s *Service) doRequest(ctx context.Context, url string) (*PackageInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}

	req.Header.Set("Accept", "application/json")

	var cached *cachedResponse

	if s.cache != nil {
		if cr, ok := s.cache.load(url); ok {
			cached = cr

			if cr.ETag != "" {
				req.Header.Set("If-None-Match", cr.ETag)
			}

			if cr.LastModified != "" {
				req.Header.Set("If-Modified-Since", cr.LastModified)
			}
		}
	}

	s.setCredentials(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", url, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		return decodePackageInfo(cached.Body, url)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("package not found at %s", url)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, url)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading response from %s: %w", url, err)}
	}

	if s.cache != nil {
		if etag, lastMod := resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"); etag != "" || lastMod != "" {
			if err := s.cache.store(url, &cachedResponse{ETag: etag, LastModified: lastMod, Body: body}); err != nil {
				s.logger.Debug("failed to store PyPI response cache entry", slog.String("url", url), slog.String("error", err.Error()))
			}
		}
	}

	return decodePackageInfo(body, url)
}

func decodePackageInfo(body []byte, url string) (*PackageInfo, error) {
	var info PackageInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", url, err)
	}

	return &info, nil
}

// setCredentials attaches Basic auth for req's origin, if the configured
// credential store has an entry for it.
func (s *Service) setCredentials(req *http.Request) {
	if s.credentials == nil {
		return
	}

	origin := req.URL.Scheme + "://" + req.URL.Host

	if user, pass, ok := s.credentials.CredentialsFor(origin); ok {
		req.SetBasicAuth(user, pass)
	}
}
