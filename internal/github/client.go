package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	gh "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/kurihiro0119/docstring-harvester/internal/config"
	"github.com/kurihiro0119/docstring-harvester/internal/credentials"
	"github.com/kurihiro0119/docstring-harvester/internal/domain"
	apperrors "github.com/kurihiro0119/docstring-harvester/internal/errors"
)

const (
	// DefaultTimeout is the default per-request timeout.
	DefaultTimeout = 30 * time.Second

	headerRetryAfter    = "Retry-After"
	headerRateRemaining = "X-RateLimit-Remaining"
)

// Config holds the request policy of the client
type Config struct {
	BaseURL       string
	SearchPerPage int

	RequestsPerSecond   float64
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	MaxRateLimitRetries int
	MaxTransientRetries int
	TransientDelay      time.Duration
	RequestTimeout      time.Duration
	ExhaustionPatience  time.Duration

	ReserveQuota    int
	MaxQuota        int
	SearchMaxQuota  int
	MaxFailures     int
	FailureCooldown time.Duration
}

// ConfigFrom builds the client policy from the application configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		BaseURL:             cfg.APIBaseURL,
		SearchPerPage:       cfg.SearchPerPage,
		RequestsPerSecond:   cfg.RequestsPerSecond,
		BackoffBase:         cfg.BackoffBase,
		BackoffCap:          cfg.BackoffCap,
		MaxRateLimitRetries: cfg.MaxRateLimitRetries,
		MaxTransientRetries: cfg.MaxTransientRetries,
		TransientDelay:      cfg.TransientDelay,
		RequestTimeout:      cfg.RequestTimeout,
		ExhaustionPatience:  cfg.ExhaustionPatience,
		ReserveQuota:        cfg.ReserveQuota,
		MaxQuota:            cfg.MaxQuota,
		SearchMaxQuota:      cfg.SearchMaxQuota,
		MaxFailures:         cfg.MaxFailures,
		FailureCooldown:     cfg.FailureCooldown,
	}
}

func (c Config) withDefaults() Config {
	if c.SearchPerPage == 0 {
		c.SearchPerPage = 30
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = time.Minute
	}
	if c.TransientDelay == 0 {
		c.TransientDelay = time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
	if c.ExhaustionPatience == 0 {
		c.ExhaustionPatience = time.Hour
	}
	if c.MaxQuota == 0 {
		c.MaxQuota = 5000
	}
	if c.SearchMaxQuota == 0 {
		c.SearchMaxQuota = 30
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.FailureCooldown == 0 {
		c.FailureCooldown = time.Minute
	}
	return c
}

// Client issues GitHub API calls on behalf of a pool of credentials.
// Core and search quota are tracked in separate pools built from the same tokens.
type Client struct {
	cfg     Config
	clients []*gh.Client
	core    *credentials.Pool
	search  *credentials.Pool
	pacer   *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithSleep replaces the function used to wait between retries
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client with one authenticated go-github client per token
func NewClient(cfg Config, tokens []string, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()

	var unique []string
	seen := make(map[string]bool, len(tokens))
	for _, token := range tokens {
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		unique = append(unique, token)
	}

	core, err := credentials.NewPool(unique, poolOptions(cfg, cfg.MaxQuota)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create core credential pool: %w", err)
	}
	search, err := credentials.NewPool(unique, poolOptions(cfg, cfg.SearchMaxQuota)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create search credential pool: %w", err)
	}

	var baseURL *url.URL
	if cfg.BaseURL != "" {
		raw := cfg.BaseURL
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		baseURL, err = url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL: %w", err)
		}
	}

	c := &Client{
		cfg:    cfg,
		core:   core,
		search: search,
		pacer:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, token := range unique {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc := oauth2.NewClient(context.Background(), ts)
		client := gh.NewClient(tc)
		if baseURL != nil {
			client.BaseURL = baseURL
		}
		c.clients = append(c.clients, client)
	}

	return c, nil
}

func poolOptions(cfg Config, maxQuota int) []credentials.Option {
	return []credentials.Option{
		credentials.WithMaxQuota(maxQuota),
		credentials.WithReserve(cfg.ReserveQuota),
		credentials.WithMaxFailures(cfg.MaxFailures),
		credentials.WithFailureCooldown(cfg.FailureCooldown),
	}
}

// CoreQuota returns the state of every credential's core quota
func (c *Client) CoreQuota() []credentials.Status {
	return c.core.Snapshot()
}

// SearchPage fetches one page of repository search results.
// The boolean reports whether another page exists.
func (c *Client) SearchPage(ctx context.Context, query string, page int) ([]domain.RepositoryRef, bool, error) {
	opts := &gh.SearchOptions{
		ListOptions: gh.ListOptions{Page: page, PerPage: c.cfg.SearchPerPage},
	}

	var (
		result *gh.RepositoriesSearchResult
		next   int
	)
	err := c.do(ctx, c.search, fmt.Sprintf("search page %d", page), func(ctx context.Context, client *gh.Client) (*gh.Response, error) {
		res, resp, err := client.Search.Repositories(ctx, query, opts)
		if err == nil {
			result, next = res, resp.NextPage
		}
		return resp, err
	})
	if err != nil {
		// GitHub serves at most 1000 results per query and answers 422 past that.
		var errResp *gh.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusUnprocessableEntity {
			c.logger.Info("search result window exhausted", "page", page)
			return nil, false, nil
		}
		return nil, false, err
	}

	refs := make([]domain.RepositoryRef, 0, len(result.Repositories))
	for _, repo := range result.Repositories {
		refs = append(refs, domain.RepositoryRef{
			ID:            repo.GetID(),
			Owner:         repo.GetOwner().GetLogin(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			DefaultBranch: repo.GetDefaultBranch(),
			HTMLURL:       repo.GetHTMLURL(),
			Page:          page,
		})
	}
	return refs, next != 0, nil
}

// ListTree returns the path of every blob in the repository's default branch
func (c *Client) ListTree(ctx context.Context, repo domain.RepositoryRef) ([]string, error) {
	var tree *gh.Tree
	err := c.do(ctx, c.core, "tree of "+repo.FullName, func(ctx context.Context, client *gh.Client) (*gh.Response, error) {
		t, resp, err := client.Git.GetTree(ctx, repo.Owner, repo.Name, ref(repo), true)
		if err == nil {
			tree = t
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}

	if tree.GetTruncated() {
		c.logger.Warn("tree listing truncated, harvesting partial tree", "repo", repo.FullName)
	}

	var paths []string
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		paths = append(paths, entry.GetPath())
	}
	return paths, nil
}

// FetchContent returns the decoded content of one file
func (c *Client) FetchContent(ctx context.Context, repo domain.RepositoryRef, path string) ([]byte, error) {
	var file *gh.RepositoryContent
	opts := &gh.RepositoryContentGetOptions{Ref: ref(repo)}
	err := c.do(ctx, c.core, repo.FullName+"/"+path, func(ctx context.Context, client *gh.Client) (*gh.Response, error) {
		fc, _, resp, err := client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path, opts)
		if err == nil {
			file = fc
		}
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("file %s/%s", repo.FullName, path))
	}

	content, err := file.GetContent()
	if err != nil {
		// Files above the contents API size limit come back without a body.
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("content of %s/%s (%v)", repo.FullName, path, err))
	}
	return []byte(content), nil
}

func ref(repo domain.RepositoryRef) string {
	if repo.DefaultBranch == "" {
		return "HEAD"
	}
	return repo.DefaultBranch
}

type callFunc func(ctx context.Context, client *gh.Client) (*gh.Response, error)

// do runs one API call under the full retry policy
func (c *Client) do(ctx context.Context, pool *credentials.Pool, op string, call callFunc) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.BackoffBase
	expo.MaxInterval = c.cfg.BackoffCap
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	expo.Reset()

	rateLimited, transient := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.pacer.Wait(ctx); err != nil {
			return err
		}
		lease, err := c.acquire(ctx, pool)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		resp, err := call(callCtx, c.clients[lease.Index()])
		cancel()

		if err == nil {
			settle(pool, lease, resp)
			return nil
		}
		if ctx.Err() != nil {
			pool.Release(lease)
			return ctx.Err()
		}

		kind, retryAfter := classify(resp, err)
		switch kind {
		case failureNotFound:
			settle(pool, lease, resp)
			return apperrors.NewNotFoundError(op)

		case failurePrimary:
			reset := primaryReset(resp, err)
			if now := time.Now(); !reset.After(now) {
				reset = now.Add(c.cfg.BackoffBase)
			}
			pool.Report(lease, 0, reset)
			c.logger.Warn("primary rate limit reached, rotating credential",
				"op", op, "credential", lease.Index(), "reset_at", reset)

		case failureSecondary:
			// go-github answers a call made during a known secondary limit
			// window itself, with an empty header set.
			if hasRate(resp) {
				pool.Report(lease, resp.Rate.Remaining, resp.Rate.Reset.Time)
			} else {
				pool.Return(lease)
			}
			rateLimited++
			if rateLimited > c.cfg.MaxRateLimitRetries {
				return apperrors.NewRateLimitedError(
					fmt.Sprintf("%s: secondary rate limit persisted after %d retries", op, c.cfg.MaxRateLimitRetries), err)
			}
			delay := max(retryAfter, expo.NextBackOff())
			c.logger.Warn("secondary rate limit, backing off",
				"op", op, "attempt", rateLimited, "retry_after", retryAfter, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}

		case failureTransient:
			pool.ReportFailure(lease)
			transient++
			if transient > c.cfg.MaxTransientRetries {
				return apperrors.NewTransientFetchError(
					fmt.Sprintf("%s: failed after %d retries", op, c.cfg.MaxTransientRetries), err)
			}
			delay := c.cfg.TransientDelay * time.Duration(transient)
			c.logger.Debug("transient failure, retrying", "op", op, "attempt", transient, "delay", delay, "error", err)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}

		default:
			settle(pool, lease, resp)
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

// acquire blocks until a lease is available or the pool is persistently exhausted
func (c *Client) acquire(ctx context.Context, pool *credentials.Pool) (credentials.Lease, error) {
	for {
		lease, err := pool.Acquire()
		if err == nil {
			return lease, nil
		}
		if next, ok := pool.NextReset(); ok {
			c.logger.Debug("credentials exhausted, waiting", "next_reset", next)
		}
		if err := pool.Wait(ctx, c.cfg.ExhaustionPatience); err != nil {
			return credentials.Lease{}, err
		}
	}
}

// settle returns the lease, reporting quota when the response carried it
func settle(pool *credentials.Pool, lease credentials.Lease, resp *gh.Response) {
	if hasRate(resp) {
		pool.Report(lease, resp.Rate.Remaining, resp.Rate.Reset.Time)
		return
	}
	pool.Release(lease)
}

func hasRate(resp *gh.Response) bool {
	return resp != nil && resp.Rate.Limit > 0
}

type failure int

const (
	failurePermanent failure = iota
	failureNotFound
	failurePrimary
	failureSecondary
	failureTransient
)

func classify(resp *gh.Response, err error) (failure, time.Duration) {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return failurePrimary, 0
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var retryAfter time.Duration
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		return failureSecondary, retryAfter
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return classifyStatus(errResp.Response)
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= http.StatusBadRequest {
		return classifyStatus(resp.Response)
	}

	// Network errors, per-call timeouts and truncated bodies.
	return failureTransient, 0
}

func classifyStatus(r *http.Response) (failure, time.Duration) {
	switch code := r.StatusCode; {
	case code == http.StatusNotFound, code == http.StatusGone, code == http.StatusConflict:
		return failureNotFound, 0
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		if r.Header.Get(headerRateRemaining) == "0" {
			return failurePrimary, 0
		}
		return failureSecondary, parseRetryAfter(r.Header.Get(headerRetryAfter))
	case code == http.StatusUnauthorized, code >= http.StatusInternalServerError:
		return failureTransient, 0
	default:
		return failurePermanent, 0
	}
}

func primaryReset(resp *gh.Response, err error) time.Time {
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return rateErr.Rate.Reset.Time
	}
	if resp != nil {
		return resp.Rate.Reset.Time
	}
	return time.Time{}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date values
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
