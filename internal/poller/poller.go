// Package poller turns raw feed entries into durable, deduplicated article
// records.
package poller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"

	"cti-watch/monitor/internal/models"
	"cti-watch/monitor/internal/storage"
)

// ErrNoFeedSucceeded is returned when not a single active feed could be
// polled; individual feed failures are contained and only logged.
var ErrNoFeedSucceeded = errors.New("poller: no feed poll succeeded")

// Poller fetches active feeds and ingests their entries.
type Poller struct {
	store   *storage.Repository
	parser  *gofeed.Parser
	timeout time.Duration
}

// New creates a poller over the given repository.
func New(store *storage.Repository) *Poller {
	parser := gofeed.NewParser()
	parser.UserAgent = "cti-watch-monitor/1.0"
	return &Poller{
		store:   store,
		parser:  parser,
		timeout: 30 * time.Second,
	}
}

// StableGUID derives a deterministic, namespace-qualified identifier from
// an entry's link and title. The same inputs always produce the same GUID,
// which is what makes re-ingestion idempotent.
func StableGUID(link, title string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link+"|"+title)).String()
}

// PollAll fetches every active feed. Each feed is independent: a failing
// fetch leaves that feed's state untouched and does not affect the others.
// The run as a whole fails only when no feed succeeded.
func (p *Poller) PollAll(ctx context.Context) error {
	feeds, err := p.store.ActiveFeeds(ctx)
	if err != nil {
		return fmt.Errorf("load active feeds: %w", err)
	}
	if len(feeds) == 0 {
		log.Warn().Msg("No active feeds to poll")
		return nil
	}

	log.Info().Int("feeds", len(feeds)).Msg("Polling active feeds")

	succeeded := 0
	for _, feed := range feeds {
		inserted, err := p.PollFeed(ctx, feed)
		if err != nil {
			log.Error().
				Err(err).
				Int64("feed_id", feed.ID).
				Str("url", feed.URL).
				Msg("Feed poll failed")
			continue
		}
		succeeded++
		log.Info().
			Int64("feed_id", feed.ID).
			Str("name", feed.Name).
			Int("new_articles", inserted).
			Msg("Feed polled")
	}

	log.Info().
		Int("succeeded", succeeded).
		Int("failed", len(feeds)-succeeded).
		Msg("Feed polling cycle finished")

	if succeeded == 0 {
		return ErrNoFeedSucceeded
	}
	return nil
}

// PollFeed fetches one feed document and ingests its entries in a single
// transaction. last_checked is advanced only after a successful fetch.
func (p *Poller) PollFeed(ctx context.Context, feed models.Feed) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	doc, err := p.parser.ParseURLWithContext(feed.URL, fetchCtx)
	if err != nil {
		return 0, fmt.Errorf("fetch feed %s: %w", feed.URL, err)
	}

	now := time.Now().UTC()
	if err := p.store.TouchFeedChecked(ctx, feed.ID, now); err != nil {
		return 0, err
	}

	candidates := make([]models.Article, 0, len(doc.Items))
	for _, item := range doc.Items {
		if item.Link == "" || item.Title == "" {
			log.Debug().
				Int64("feed_id", feed.ID).
				Str("title", item.Title).
				Msg("Skipping entry without link or title")
			continue
		}
		candidates = append(candidates, entryToArticle(feed.ID, item, now))
	}

	inserted, err := p.store.SaveNewArticles(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("save articles for feed %d: %w", feed.ID, err)
	}
	return inserted, nil
}

// entryToArticle maps a parsed feed entry onto a pending article record.
// Content prefers the full inline body over the feed summary; when the
// feed carries neither, the column stays null for lazy extraction later.
func entryToArticle(feedID int64, item *gofeed.Item, now time.Time) models.Article {
	a := models.Article{
		GUID:      StableGUID(item.Link, item.Title),
		Title:     item.Title,
		URL:       item.Link,
		FeedID:    feedID,
		CreatedAt: now,
	}

	if item.PublishedParsed != nil {
		a.Published = sql.NullTime{Time: item.PublishedParsed.UTC(), Valid: true}
	}

	switch {
	case item.Content != "":
		a.Content = sql.NullString{String: item.Content, Valid: true}
	case item.Description != "":
		a.Content = sql.NullString{String: item.Description, Valid: true}
	}
	return a
}
