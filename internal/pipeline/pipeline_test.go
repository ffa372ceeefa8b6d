package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cti-watch/monitor/internal/database"
	"cti-watch/monitor/internal/joplin"
	"cti-watch/monitor/internal/llm"
	"cti-watch/monitor/internal/models"
	"cti-watch/monitor/internal/storage"
)

const (
	testFilterModel = "gpt-3.5-turbo"
	testParseModel  = "gpt-4"
)

type fakeExtractor struct {
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeCompleter struct {
	responses map[string]string
	errs      map[string]error
	calls     map[string]int
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		responses: map[string]string{},
		errs:      map[string]error{},
		calls:     map[string]int{},
	}
}

func (f *fakeCompleter) Complete(ctx context.Context, model string, messages []llm.Message, apiKey string) (string, error) {
	f.calls[model]++
	if err := f.errs[model]; err != nil {
		return "", err
	}
	return f.responses[model], nil
}

type fakePublisher struct {
	noteID   string
	err      error
	calls    int
	lastNote joplin.Note
}

func (f *fakePublisher) CreateNote(ctx context.Context, endpoint, token string, note joplin.Note) (string, error) {
	f.calls++
	f.lastNote = note
	if f.err != nil {
		return "", f.err
	}
	return f.noteID, nil
}

type pipelineEnv struct {
	db        *database.DB
	store     *storage.Repository
	extractor *fakeExtractor
	completer *fakeCompleter
	publisher *fakePublisher
	pipeline  *Pipeline
	feedID    int64
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	cfg := database.NewConfig(filepath.Join(t.TempDir(), "test.db"))
	db, err := database.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := storage.NewRepository(db)
	ctx := context.Background()
	require.NoError(t, store.EnsureDefaults(ctx))

	_, err = db.ExecContext(ctx, `
		UPDATE settings
		SET openai_api_key = 'sk-test', joplin_token = 'joplin-token'
		WHERE id = 1`)
	require.NoError(t, err)

	feed := models.NewFeed()
	feed.Name = "test feed"
	feed.URL = "https://feeds.example.com/rss"
	require.NoError(t, store.InsertFeed(ctx, feed))

	env := &pipelineEnv{
		db:        db,
		store:     store,
		extractor: &fakeExtractor{text: "extracted article body"},
		completer: newFakeCompleter(),
		publisher: &fakePublisher{noteID: "note-1"},
		feedID:    feed.ID,
	}
	env.pipeline = New(store, env.extractor, env.completer, env.publisher)
	return env
}

func (e *pipelineEnv) addArticle(t *testing.T, guid string, content string) *models.Article {
	t.Helper()

	a := models.Article{
		GUID:      guid,
		Title:     "Report " + guid,
		URL:       "https://threats.example.com/" + guid,
		FeedID:    e.feedID,
		CreatedAt: time.Now().UTC(),
	}
	if content != "" {
		a.Content = sql.NullString{String: content, Valid: true}
	}
	n, err := e.store.SaveNewArticles(context.Background(), []models.Article{a})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var saved models.Article
	require.NoError(t, e.db.GetContext(context.Background(), &saved,
		`SELECT * FROM articles WHERE guid = ?`, guid))
	return &saved
}

func (e *pipelineEnv) reload(t *testing.T, id int64) *models.Article {
	t.Helper()
	a, err := e.store.ArticleByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func decodeSummary(t *testing.T, a *models.Article) models.Summary {
	t.Helper()
	require.True(t, a.Summary.Valid)
	var s models.Summary
	require.NoError(t, json.Unmarshal([]byte(a.Summary.String), &s))
	return s
}

func TestProcessPending_KeepAndPublish(t *testing.T) {
	env := newPipelineEnv(t)
	content := "Campaign beacons to 198.51.100.23 via c2.evil.example"
	a := env.addArticle(t, "g1", content)

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = `{"summary":"New campaign observed","threat_groups":["APT99"],"ttp":["phishing"],"tags":["apt"]}`

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	fresh := env.reload(t, a.ID)
	assert.True(t, fresh.Processed)
	assert.False(t, fresh.Processing)
	assert.True(t, fresh.SentToJoplin)
	assert.Equal(t, "note-1", fresh.JoplinID.String)

	summary := decodeSummary(t, fresh)
	assert.Equal(t, "Report g1", summary.Title, "summary title comes from the article, not the model")
	assert.Equal(t, "New campaign observed", summary.Summary)
	assert.False(t, summary.FilteredOut)
	require.NotNil(t, summary.IOCs, "locally extracted indicators fill in when the model omits them")
	assert.Contains(t, summary.IOCs.IPs, "198.51.100.23")

	assert.Equal(t, 1, env.publisher.calls)
	assert.Equal(t, []string{"cti", "openai"}, env.publisher.lastNote.Tags)
	assert.Equal(t, a.URL, env.publisher.lastNote.SourceURL)
}

func TestProcessPending_DiscardShortCircuits(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "nothing about security here")

	env.completer.responses[testFilterModel] = "DISCARD"

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	fresh := env.reload(t, a.ID)
	assert.True(t, fresh.Processed)

	summary := decodeSummary(t, fresh)
	assert.True(t, summary.FilteredOut)
	assert.Equal(t, "Article filtered out - not relevant for CTI", summary.Summary)

	assert.Equal(t, 0, env.completer.calls[testParseModel], "stage two must not run for discarded articles")
	assert.Equal(t, 0, env.publisher.calls, "filtered articles are never published")
}

func TestProcessPending_VerdictSubstringMatch(t *testing.T) {
	env := newPipelineEnv(t)
	env.addArticle(t, "g1", "some content")

	// Anything containing "keep", case-insensitively, counts as KEEP.
	env.completer.responses[testFilterModel] = "I would keep this one."
	env.completer.responses[testParseModel] = `{"summary":"ok"}`

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))
	assert.Equal(t, 1, env.completer.calls[testParseModel])
}

func TestProcessPending_NonJSONFallback(t *testing.T) {
	env := newPipelineEnv(t)
	content := "Dropper hash d41d8cd98f00b204e9800998ecf8427e seen in the wild"
	a := env.addArticle(t, "g1", content)

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = "The article describes a dropper campaign."

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	summary := decodeSummary(t, env.reload(t, a.ID))
	assert.Equal(t, "The article describes a dropper campaign.", summary.Summary)
	assert.Equal(t, []string{"cti"}, summary.Tags)
	require.NotNil(t, summary.IOCs)
	assert.Contains(t, summary.IOCs.MD5, "d41d8cd98f00b204e9800998ecf8427e")
	assert.False(t, summary.FilteredOut)
}

func TestProcessPending_NullJSONFallback(t *testing.T) {
	env := newPipelineEnv(t)
	content := "Dropper hash d41d8cd98f00b204e9800998ecf8427e seen in the wild"
	a := env.addArticle(t, "g1", content)

	env.completer.responses[testFilterModel] = "KEEP"
	// Valid JSON that decodes to nothing must be treated as unstructured.
	env.completer.responses[testParseModel] = "null"

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	summary := decodeSummary(t, env.reload(t, a.ID))
	assert.Equal(t, "null", summary.Summary)
	assert.Equal(t, []string{"cti"}, summary.Tags)
	require.NotNil(t, summary.IOCs)
	assert.Contains(t, summary.IOCs.MD5, "d41d8cd98f00b204e9800998ecf8427e")
}

func TestProcessPending_LazyExtraction(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "")

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = `{"summary":"ok"}`

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	assert.Equal(t, 1, env.extractor.calls)
	fresh := env.reload(t, a.ID)
	assert.Equal(t, "extracted article body", fresh.Content.String, "extracted content is persisted for reuse")
}

func TestProcessPending_ExtractFailureLeavesPending(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "")
	env.extractor.err = errors.New("fetch failed")

	err := env.pipeline.ProcessPending(context.Background())
	require.ErrorIs(t, err, ErrNoArticleSucceeded)

	fresh := env.reload(t, a.ID)
	assert.False(t, fresh.Processed)
	assert.False(t, fresh.Processing, "failed items release their lease")
	assert.Equal(t, 0, env.completer.calls[testFilterModel])
}

func TestProcessPending_PartialFailureIsSuccess(t *testing.T) {
	env := newPipelineEnv(t)
	env.addArticle(t, "g1", "")
	env.addArticle(t, "g2", "present content")
	env.extractor.err = errors.New("fetch failed")

	env.completer.responses[testFilterModel] = "DISCARD"

	require.NoError(t, env.pipeline.ProcessPending(context.Background()),
		"one completed article is enough for the run to succeed")
}

func TestProcessPending_NotConfiguredHaltsBeforeClaiming(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "content")

	_, err := env.db.ExecContext(context.Background(),
		`UPDATE settings SET openai_api_key = '' WHERE id = 1`)
	require.NoError(t, err)

	err = env.pipeline.ProcessPending(context.Background())
	require.ErrorIs(t, err, storage.ErrNotConfigured)

	fresh := env.reload(t, a.ID)
	assert.False(t, fresh.Processing, "no article may be touched on a configuration error")
	assert.Equal(t, 0, env.completer.calls[testFilterModel])
}

func TestProcessPending_MaxArticleAge(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	_, err := env.db.ExecContext(ctx, `UPDATE settings SET max_article_age = 7 WHERE id = 1`)
	require.NoError(t, err)

	old := env.addArticle(t, "g-old", "old content")
	_, err = env.db.ExecContext(ctx, `UPDATE articles SET published = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -10), old.ID)
	require.NoError(t, err)

	fresh := env.addArticle(t, "g-new", "new content")
	_, err = env.db.ExecContext(ctx, `UPDATE articles SET published = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -3), fresh.ID)
	require.NoError(t, err)

	env.completer.responses[testFilterModel] = "DISCARD"

	require.NoError(t, env.pipeline.ProcessPending(ctx))

	oldRow := env.reload(t, old.ID)
	assert.True(t, oldRow.Processed)
	assert.False(t, oldRow.Summary.Valid, "over-age articles are finalized without a summary")

	assert.Equal(t, 1, env.completer.calls[testFilterModel], "only the fresh article reaches the classifier")
}

func TestProcessPending_EmptyBatch(t *testing.T) {
	env := newPipelineEnv(t)
	require.NoError(t, env.pipeline.ProcessPending(context.Background()))
	assert.Equal(t, 0, env.completer.calls[testFilterModel])
}

func TestProcessArticle_Statuses(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	a := env.addArticle(t, "g1", "content")

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = `{"summary":"ok"}`

	t.Run("processes a pending article", func(t *testing.T) {
		require.NoError(t, env.pipeline.ProcessArticle(ctx, a.ID))
		assert.True(t, env.reload(t, a.ID).Processed)
	})

	t.Run("processed article is a no-op", func(t *testing.T) {
		before := env.completer.calls[testFilterModel]
		require.NoError(t, env.pipeline.ProcessArticle(ctx, a.ID))
		assert.Equal(t, before, env.completer.calls[testFilterModel])
	})

	t.Run("live lease is skipped", func(t *testing.T) {
		b := env.addArticle(t, "g2", "content")
		_, status, err := env.store.LeaseArticle(ctx, b.ID, time.Now().UTC())
		require.NoError(t, err)
		require.Equal(t, storage.LeaseAcquired, status)

		before := env.completer.calls[testFilterModel]
		require.NoError(t, env.pipeline.ProcessArticle(ctx, b.ID))
		assert.Equal(t, before, env.completer.calls[testFilterModel])
		assert.False(t, env.reload(t, b.ID).Processed)
	})

	t.Run("expired lease is reset, not processed", func(t *testing.T) {
		c := env.addArticle(t, "g3", "content")
		_, err := env.db.ExecContext(ctx,
			`UPDATE articles SET processing = 1, processing_started = ? WHERE id = ?`,
			time.Now().UTC().Add(-storage.LeaseTimeout-time.Minute), c.ID)
		require.NoError(t, err)

		before := env.completer.calls[testFilterModel]
		require.NoError(t, env.pipeline.ProcessArticle(ctx, c.ID))
		assert.Equal(t, before, env.completer.calls[testFilterModel])

		row := env.reload(t, c.ID)
		assert.False(t, row.Processed)
		assert.False(t, row.Processing, "the reset article is claimable by the next pass")
	})

	t.Run("missing article is an error", func(t *testing.T) {
		require.ErrorIs(t, env.pipeline.ProcessArticle(ctx, 9999), storage.ErrArticleNotFound)
	})
}

func TestPublish_DisabledIntegration(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "content")

	_, err := env.db.ExecContext(context.Background(),
		`UPDATE settings SET joplin_enabled = 0 WHERE id = 1`)
	require.NoError(t, err)

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = `{"summary":"ok"}`

	require.NoError(t, env.pipeline.ProcessPending(context.Background()))

	fresh := env.reload(t, a.ID)
	assert.True(t, fresh.Processed, "skipped publish still completes the article")
	assert.False(t, fresh.SentToJoplin)
	assert.Equal(t, 0, env.publisher.calls)
}

func TestPublish_FailureIsBestEffort(t *testing.T) {
	env := newPipelineEnv(t)
	a := env.addArticle(t, "g1", "content")
	env.publisher.err = errors.New("joplin unreachable")

	env.completer.responses[testFilterModel] = "KEEP"
	env.completer.responses[testParseModel] = `{"summary":"ok"}`

	require.NoError(t, env.pipeline.ProcessPending(context.Background()),
		"a publish failure must not fail the run")

	fresh := env.reload(t, a.ID)
	assert.True(t, fresh.Processed)
	assert.False(t, fresh.SentToJoplin)
}
