package models

import "database/sql"

// Settings is the singleton configuration row read by every pipeline run.
// It is mutated only through the operational surface, never by the
// pipeline itself.
type Settings struct {
	ID            int64          `db:"id"`
	OpenAIAPIKey  sql.NullString `db:"openai_api_key"`
	JoplinAPIURL  sql.NullString `db:"joplin_api_url"`
	JoplinToken   sql.NullString `db:"joplin_token"`
	JoplinEnabled bool           `db:"joplin_enabled"`
	CheckInterval int            `db:"check_interval"`  // minutes between feed polls
	MaxArticleAge int            `db:"max_article_age"` // days, 0 = unlimited
}

// Prompt is a named instruction row. Exactly one row per logical name
// (filter_prompt, parse_prompt) must exist before processing runs.
type Prompt struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Content string `db:"content"`
	Model   string `db:"model"`
}
