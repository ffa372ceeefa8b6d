package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"cti-watch/monitor/internal/models"
)

// LeaseTimeout bounds how long a crashed worker can keep an article
// claimed. Generous on purpose: it must exceed worst-case per-item latency
// (content fetch plus two model calls plus publish).
const LeaseTimeout = 5 * time.Minute

// LeaseStatus describes the outcome of a single-article lease attempt.
type LeaseStatus int

const (
	// LeaseAcquired means the caller now owns the article.
	LeaseAcquired LeaseStatus = iota
	// LeaseAlreadyProcessed means the article reached a terminal state.
	LeaseAlreadyProcessed
	// LeaseHeldElsewhere means a live lease belongs to another run.
	LeaseHeldElsewhere
	// LeaseReclaimed means an expired lease was reset to pending; the
	// article will be picked up by the next claim pass.
	LeaseReclaimed
)

// ErrArticleNotFound is returned when a referenced article row is missing.
var ErrArticleNotFound = errors.New("storage: article not found")

// ArticleExists applies the 3-way duplicate check used at ingestion time:
// an entry matching an existing row on GUID, URL, or title is a duplicate.
func (r *Repository) ArticleExists(ctx context.Context, guid, url, title string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM articles WHERE guid = ? OR url = ? OR title = ?`,
		guid, url, title)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return n > 0, nil
}

// SaveNewArticles inserts the deduplicated subset of candidates for one feed
// in a single transaction and returns how many rows were inserted.
func (r *Repository) SaveNewArticles(ctx context.Context, candidates []models.Article) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, a := range candidates {
		var n int
		err := tx.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM articles WHERE guid = ? OR url = ? OR title = ?`,
			a.GUID, a.URL, a.Title)
		if err != nil {
			return 0, fmt.Errorf("duplicate check for %s: %w", a.GUID, err)
		}
		if n > 0 {
			log.Debug().
				Str("guid", a.GUID).
				Str("title", a.Title).
				Msg("Skipping duplicate article")
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO articles (guid, title, url, content, published, processed, processing, feed_id, created_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			a.GUID, a.Title, a.URL, a.Content, a.Published, a.FeedID, a.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("insert article %s: %w", a.GUID, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit inserts: %w", err)
	}
	return inserted, nil
}

// ArticleByID loads a single article row.
func (r *Repository) ArticleByID(ctx context.Context, id int64) (*models.Article, error) {
	var a models.Article
	err := r.db.GetContext(ctx, &a, `SELECT * FROM articles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("article %d: %w", id, ErrArticleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query article %d: %w", id, err)
	}
	return &a, nil
}

// ClaimPending selects every claimable article and marks it leased inside
// one immediate-mode transaction, so two overlapping batch runs can never
// own the same row. Claimable means pending, or leased with an expired
// lease (the reclaim transition).
func (r *Repository) ClaimPending(ctx context.Context, now time.Time) ([]models.Article, error) {
	cutoff := now.UTC().Add(-LeaseTimeout)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var articles []models.Article
	err = tx.SelectContext(ctx, &articles, `
		SELECT * FROM articles
		WHERE processed = 0
		  AND (processing = 0 OR processing_started IS NULL OR processing_started <= ?)
		ORDER BY id ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select claimable articles: %w", err)
	}
	if len(articles) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]interface{}, 0, len(articles)+1)
	ids = append(ids, now.UTC())
	placeholders := make([]string, 0, len(articles))
	for i := range articles {
		placeholders = append(placeholders, "?")
		ids = append(ids, articles[i].ID)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE articles SET processing = 1, processing_started = ? WHERE id IN (%s)`,
		strings.Join(placeholders, ",")), ids...)
	if err != nil {
		return nil, fmt.Errorf("mark articles leased: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	for i := range articles {
		articles[i].Processing = true
		articles[i].ProcessingStarted = sql.NullTime{Time: now.UTC(), Valid: true}
	}
	return articles, nil
}

// LeaseArticle attempts to claim a single article outside the batch path.
// Processed articles are an idempotent no-op; live leases owned elsewhere
// are skipped; expired leases are reset to pending for the next claim pass.
func (r *Repository) LeaseArticle(ctx context.Context, id int64, now time.Time) (*models.Article, LeaseStatus, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	var a models.Article
	err = tx.GetContext(ctx, &a, `SELECT * FROM articles WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("article %d: %w", id, ErrArticleNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("query article %d: %w", id, err)
	}

	if a.Processed {
		// Terminal state; clear a leftover lease flag if one survived.
		if a.Processing {
			if _, err := tx.ExecContext(ctx,
				`UPDATE articles SET processing = 0, processing_started = NULL WHERE id = ?`, id); err != nil {
				return nil, 0, fmt.Errorf("clear stale lease on %d: %w", id, err)
			}
			if err := tx.Commit(); err != nil {
				return nil, 0, fmt.Errorf("commit lease cleanup: %w", err)
			}
		}
		return &a, LeaseAlreadyProcessed, nil
	}

	if a.Processing {
		if a.ProcessingStarted.Valid && now.UTC().Sub(a.ProcessingStarted.Time) <= LeaseTimeout {
			return &a, LeaseHeldElsewhere, nil
		}
		// Lease expired (or started timestamp lost): reset to pending.
		if _, err := tx.ExecContext(ctx,
			`UPDATE articles SET processing = 0, processing_started = NULL WHERE id = ?`, id); err != nil {
			return nil, 0, fmt.Errorf("reclaim lease on %d: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return nil, 0, fmt.Errorf("commit lease reclaim: %w", err)
		}
		return &a, LeaseReclaimed, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE articles SET processing = 1, processing_started = ? WHERE id = ?`, now.UTC(), id); err != nil {
		return nil, 0, fmt.Errorf("acquire lease on %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit lease acquire: %w", err)
	}

	a.Processing = true
	a.ProcessingStarted = sql.NullTime{Time: now.UTC(), Valid: true}
	return &a, LeaseAcquired, nil
}

// ReleaseLease clears the processing flag without setting processed,
// leaving the article eligible for a future claim.
func (r *Repository) ReleaseLease(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE articles SET processing = 0, processing_started = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release lease on %d: %w", id, err)
	}
	return nil
}

// SetContent stores lazily extracted article content.
func (r *Repository) SetContent(ctx context.Context, id int64, content string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE articles SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("set content on %d: %w", id, err)
	}
	return nil
}

// MarkProcessed moves an article to its terminal state without a summary,
// used by the pre-filter exclusions. The lease is released in the same
// statement.
func (r *Repository) MarkProcessed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE articles SET processed = 1, processing = 0, processing_started = NULL
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark processed on %d: %w", id, err)
	}
	return nil
}

// CommitResult stores the pipeline output, marks the article processed and
// releases the lease atomically.
func (r *Repository) CommitResult(ctx context.Context, id int64, summaryJSON string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE articles SET summary = ?, processed = 1, processing = 0, processing_started = NULL
		WHERE id = ?`, summaryJSON, id)
	if err != nil {
		return fmt.Errorf("commit result on %d: %w", id, err)
	}
	return nil
}

// MarkPublished records a successful note-service push.
func (r *Repository) MarkPublished(ctx context.Context, id int64, noteID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE articles SET sent_to_joplin = 1, joplin_id = ? WHERE id = ?`,
		noteID, id)
	if err != nil {
		return fmt.Errorf("mark published on %d: %w", id, err)
	}
	return nil
}

// ProcessedGUIDs returns the GUIDs of every processed article, used as a
// pre-filter defense against races that slipped past ingestion-time dedup.
func (r *Repository) ProcessedGUIDs(ctx context.Context) (map[string]struct{}, error) {
	var guids []string
	err := r.db.SelectContext(ctx, &guids,
		`SELECT guid FROM articles WHERE processed = 1`)
	if err != nil {
		return nil, fmt.Errorf("query processed guids: %w", err)
	}
	set := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		set[g] = struct{}{}
	}
	return set, nil
}

// FetchArticles retrieves article rows for the read API, ordered for
// cursor pagination on (created_at, id).
func (r *Repository) FetchArticles(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Article, error) {
	var items []models.Article
	var query string
	var args []any

	const baseQuery = `SELECT * FROM articles `
	const orderBy = ` ORDER BY created_at ASC, id ASC LIMIT ?`

	switch {
	case cursorTimestamp != nil && cursorID != nil:
		query = baseQuery + `WHERE (created_at > ?) OR (created_at = ? AND id > ?)` + orderBy
		args = append(args, cursorTimestamp.UTC(), cursorTimestamp.UTC(), *cursorID, limit)
	case since != nil:
		query = baseQuery + `WHERE created_at > ?` + orderBy
		args = append(args, since.UTC(), limit)
	default:
		return nil, fmt.Errorf("either 'since' or cursor parameters must be provided")
	}

	err := r.db.SelectContext(ctx, &items, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []models.Article{}, nil
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	return items, nil
}
