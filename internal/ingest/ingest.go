// Package ingest collects raw forum and feed items into the complaints
// table. The RSS collector is the only built-in source; scraped platforms
// land in the same table through the identical dedup path.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"opportunityradar/internal/core/domain"
	"opportunityradar/internal/platform/observability"
	"opportunityradar/internal/platform/worker"
	db "opportunityradar/internal/storage"
)

const (
	fetchTimeout        = 15 * time.Second
	maxFeedEntries      = 50
	maxBodyChars        = 8000
	defaultFeedRate     = 1.0
	defaultRetryBackoff = time.Second
	userAgent           = "opportunity-radar/1.0"
)

// Repository is the storage surface the collector needs.
type Repository interface {
	InsertComplaint(ctx context.Context, c *domain.Complaint) (bool, error)
}

var _ Repository = (*db.DB)(nil)

// Config controls feed fetching.
type Config struct {
	Feeds []string
	// RPS limits fetches across all feeds.
	RPS float64
	// RetryLimit is the number of additional fetch attempts per feed.
	RetryLimit int
	// RetryBackoff is the base of the exponential retry delay.
	RetryBackoff time.Duration
}

// Collector fetches configured RSS/Atom feeds and stores new entries as
// complaint candidates.
type Collector struct {
	repo       Repository
	cfg        Config
	httpClient *http.Client
	parser     *gofeed.Parser
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

func NewCollector(repo Repository, cfg Config, logger *zerolog.Logger) *Collector {
	if cfg.RPS <= 0 {
		cfg.RPS = defaultFeedRate
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	return &Collector{
		repo:       repo,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: fetchTimeout},
		parser:     gofeed.NewParser(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:     logger,
	}
}

// CollectAll fetches every configured feed and inserts entries that are not
// yet known. A failing feed is logged and skipped; the returned count is the
// number of newly inserted items across all feeds.
func (c *Collector) CollectAll(ctx context.Context) (int, error) {
	total := 0

	for _, feedURL := range c.cfg.Feeds {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("collect: %w", err)
		}

		inserted, err := c.collectFeed(ctx, feedURL)
		if err != nil {
			c.logger.Warn().Err(err).Str("feed", feedURL).Msg("feed collection failed")

			continue
		}

		total += inserted
	}

	return total, nil
}

func (c *Collector) collectFeed(ctx context.Context, feedURL string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	feed, err := c.fetchWithRetries(ctx, feedURL)
	if err != nil {
		return 0, err
	}

	platform := feedPlatform(feedURL)
	inserted := 0

	items := feed.Items
	if len(items) > maxFeedEntries {
		items = items[:maxFeedEntries]
	}

	for _, item := range items {
		complaint := c.itemToComplaint(platform, item)
		if complaint == nil {
			continue
		}

		ok, err := c.repo.InsertComplaint(ctx, complaint)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("feed", feedURL).
				Str("source_id", complaint.SourceID).
				Msg("insert failed")

			continue
		}

		if ok {
			inserted++

			observability.ItemsCollected.WithLabelValues(platform).Inc()
		}
	}

	c.logger.Info().
		Str("feed", feedURL).
		Int("entries", len(items)).
		Int("inserted", inserted).
		Msg("feed collected")

	return inserted, nil
}

// fetchWithRetries fetches a feed with exponential backoff between attempts.
func (c *Collector) fetchWithRetries(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryLimit; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff * (1 << (attempt - 1))
			if err := worker.Wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		feed, err := c.fetchFeed(ctx, feedURL)
		if err == nil {
			return feed, nil
		}

		lastErr = err

		c.logger.Warn().Err(err).Str("feed", feedURL).Int("attempt", attempt+1).Msg("feed fetch failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func (c *Collector) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode)
	}

	feed, err := c.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	return feed, nil
}

func (c *Collector) itemToComplaint(platform string, item *gofeed.Item) *domain.Complaint {
	sourceID := item.GUID
	if sourceID == "" {
		sourceID = item.Link
	}

	if sourceID == "" {
		return nil
	}

	body := strings.TrimSpace(item.Title)

	content := item.Content
	if content == "" {
		content = item.Description
	}

	if text := ExtractText(content); text != "" {
		if body != "" {
			body += "\n\n"
		}

		body += text
	}

	if body == "" {
		return nil
	}

	body = truncateBody(body, maxBodyChars)

	return &domain.Complaint{
		Platform: platform,
		SourceID: sourceID,
		URL:      item.Link,
		Category: firstCategory(item),
		Author:   itemAuthor(item),
		Body:     body,
		PostedAt: itemPostedAt(item),
	}
}

func firstCategory(item *gofeed.Item) string {
	if len(item.Categories) == 0 {
		return ""
	}

	return item.Categories[0]
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}

	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}

	return ""
}

// itemPostedAt prefers the parsed publication time and falls back to lenient
// parsing of the raw string, then to collection time.
func itemPostedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}

	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}

	if item.Published != "" {
		if t, err := dateparse.ParseAny(item.Published); err == nil {
			return t
		}
	}

	return time.Now()
}

// truncateBody cuts s to at most maxChars bytes on a rune boundary.
func truncateBody(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

// feedPlatform derives a platform label from the feed host.
func feedPlatform(feedURL string) string {
	parsed, err := url.Parse(feedURL)
	if err != nil || parsed.Host == "" {
		return "rss"
	}

	return "rss:" + strings.TrimPrefix(parsed.Host, "www.")
}

// ExtractText strips markup from feed entry HTML, keeping text node content.
func ExtractText(fragment string) string {
	if fragment == "" {
		return ""
	}

	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}

	var sb strings.Builder

	var traverse func(*html.Node)

	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}

		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			traverse(child)
		}
	}

	traverse(doc)

	return strings.Join(strings.Fields(sb.String()), " ")
}
