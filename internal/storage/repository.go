package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cti-watch/monitor/internal/database"
	"cti-watch/monitor/internal/models"
)

// Prompt row names required before any processing run.
const (
	FilterPromptName = "filter_prompt"
	ParsePromptName  = "parse_prompt"
)

// ErrNotConfigured signals a missing settings or prompt row. It halts the
// triggering run before any item is touched, but not the host process.
var ErrNotConfigured = errors.New("storage: required configuration row missing")

// Repository provides access to feeds, articles, settings and prompts.
// It is the single source of truth for article lease state.
type Repository struct {
	db *database.DB
}

// NewRepository creates a repository on top of an open database.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// ActiveFeeds returns all feeds eligible for polling.
func (r *Repository) ActiveFeeds(ctx context.Context) ([]models.Feed, error) {
	var feeds []models.Feed
	err := r.db.SelectContext(ctx, &feeds,
		`SELECT * FROM feeds WHERE active = 1 ORDER BY last_checked ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query active feeds: %w", err)
	}
	return feeds, nil
}

// InsertFeed inserts a new feed row.
func (r *Repository) InsertFeed(ctx context.Context, feed *models.Feed) error {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO feeds (name, url, category, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		feed.Name, feed.URL, feed.Category, feed.Active, feed.CreatedAt, feed.UpdatedAt)
	if err != nil {
		return err
	}
	feed.ID, _ = res.LastInsertId()
	return nil
}

// DeleteFeed removes a feed; its articles go with it via cascade.
func (r *Repository) DeleteFeed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed %d: %w", id, err)
	}
	return nil
}

// TouchFeedChecked advances last_checked. Called only after a successful
// fetch so a failing feed keeps its previous timestamp.
func (r *Repository) TouchFeedChecked(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET last_checked = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch feed %d: %w", id, err)
	}
	return nil
}

// Settings returns the singleton settings row, or ErrNotConfigured when the
// row has never been provisioned.
func (r *Repository) Settings(ctx context.Context) (*models.Settings, error) {
	var s models.Settings
	err := r.db.GetContext(ctx, &s, `SELECT * FROM settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings row: %w", ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	return &s, nil
}

// UpdateCheckInterval persists a new feed polling interval in minutes.
func (r *Repository) UpdateCheckInterval(ctx context.Context, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("check interval must be positive, got %d", minutes)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE settings SET check_interval = ? WHERE id = 1`, minutes)
	if err != nil {
		return fmt.Errorf("update check interval: %w", err)
	}
	return nil
}

// PromptByName returns a named prompt row, or ErrNotConfigured when absent.
func (r *Repository) PromptByName(ctx context.Context, name string) (*models.Prompt, error) {
	var p models.Prompt
	err := r.db.GetContext(ctx, &p, `SELECT * FROM prompts WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prompt %q: %w", name, ErrNotConfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("query prompt %q: %w", name, err)
	}
	return &p, nil
}

// EnsureDefaults provisions the settings singleton and the two default
// prompt rows on first startup. Existing rows are left untouched.
func (r *Repository) EnsureDefaults(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO settings (id, openai_api_key, joplin_api_url, joplin_token, joplin_enabled, check_interval, max_article_age)
		VALUES (1, '', 'http://localhost:41184/notes', '', 1, 60, 0)`)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}

	defaults := []models.Prompt{
		{
			Name:    FilterPromptName,
			Content: `Determine if this article contains valuable threat intelligence information such as new threats, vulnerabilities, TTPs, or IOCs. Respond with only "KEEP" or "DISCARD".`,
			Model:   "gpt-3.5-turbo",
		},
		{
			Name:    ParsePromptName,
			Content: `Parse this article and extract the following information in JSON format: {"summary": "brief overview of the threat or vulnerability", "threat_groups": ["list of threat actors mentioned"], "ttp": ["list of tactics, techniques, procedures"], "tags": ["relevant tags"]}. Be concise and focus on actionable threat intelligence.`,
			Model:   "gpt-4",
		},
	}
	for _, p := range defaults {
		_, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO prompts (name, content, model) VALUES (?, ?, ?)`,
			p.Name, p.Content, p.Model)
		if err != nil {
			return fmt.Errorf("seed prompt %q: %w", p.Name, err)
		}
	}
	return nil
}
