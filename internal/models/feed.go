package models

import (
	"database/sql"
	"time"
)

// Feed represents a row in the 'feeds' table
type Feed struct {
	ID          int64        `db:"id" json:"id"`
	Name        string       `db:"name" json:"name"`
	URL         string       `db:"url" json:"url"`
	Category    string       `db:"category" json:"category"`
	Active      bool         `db:"active" json:"active"`
	LastChecked sql.NullTime `db:"last_checked" json:"last_checked,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at" json:"updated_at"`
}

// NewFeed creates a new Feed with default values
func NewFeed() *Feed {
	now := time.Now().UTC()
	return &Feed{
		Category:  "general",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
