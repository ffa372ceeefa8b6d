package models

import (
	"database/sql"
	"time"
)

// Article represents a row in the 'articles' table. The guid is a stable
// content hash derived from the entry link and title, so re-ingesting the
// same feed document never produces a second row.
type Article struct {
	ID                int64          `db:"id" json:"id"`
	GUID              string         `db:"guid" json:"guid"`
	Title             string         `db:"title" json:"title"`
	URL               string         `db:"url" json:"url"`
	Content           sql.NullString `db:"content" json:"-"`
	Summary           sql.NullString `db:"summary" json:"summary,omitempty"`
	Published         sql.NullTime   `db:"published" json:"published,omitempty"`
	Processed         bool           `db:"processed" json:"processed"`
	Processing        bool           `db:"processing" json:"processing"`
	ProcessingStarted sql.NullTime   `db:"processing_started" json:"-"`
	SentToJoplin      bool           `db:"sent_to_joplin" json:"sent_to_joplin"`
	JoplinID          sql.NullString `db:"joplin_id" json:"joplin_id,omitempty"`
	FeedID            int64          `db:"feed_id" json:"feed_id"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// NewArticle creates a new Article with default values
func NewArticle() *Article {
	return &Article{
		CreatedAt: time.Now().UTC(),
	}
}
