package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cti-watch/monitor/internal/database"
	"cti-watch/monitor/internal/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	cfg := database.NewConfig(filepath.Join(t.TempDir(), "test.db"))
	db, err := database.NewDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewRepository(db)
}

func insertTestFeed(t *testing.T, repo *Repository, url string) int64 {
	t.Helper()

	feed := models.NewFeed()
	feed.Name = "test feed"
	feed.URL = url
	require.NoError(t, repo.InsertFeed(context.Background(), feed))
	return feed.ID
}

func testArticle(feedID int64, guid, title, url string) models.Article {
	return models.Article{
		GUID:      guid,
		Title:     title,
		URL:       url,
		FeedID:    feedID,
		CreatedAt: time.Now().UTC(),
	}
}

func insertTestArticle(t *testing.T, repo *Repository, feedID int64, guid string) *models.Article {
	t.Helper()

	a := testArticle(feedID, guid, "title "+guid, "https://example.com/"+guid)
	n, err := repo.SaveNewArticles(context.Background(), []models.Article{a})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	var saved models.Article
	require.NoError(t, repo.db.GetContext(context.Background(), &saved,
		`SELECT * FROM articles WHERE guid = ?`, guid))
	return &saved
}

func TestEnsureDefaults(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.EnsureDefaults(ctx))

	settings, err := repo.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, 60, settings.CheckInterval)
	require.Equal(t, 0, settings.MaxArticleAge)
	require.True(t, settings.JoplinEnabled)
	require.Equal(t, "http://localhost:41184/notes", settings.JoplinAPIURL.String)

	filter, err := repo.PromptByName(ctx, FilterPromptName)
	require.NoError(t, err)
	require.Equal(t, "gpt-3.5-turbo", filter.Model)

	parse, err := repo.PromptByName(ctx, ParsePromptName)
	require.NoError(t, err)
	require.Equal(t, "gpt-4", parse.Model)

	// Re-running never clobbers operator changes.
	require.NoError(t, repo.UpdateCheckInterval(ctx, 15))
	require.NoError(t, repo.EnsureDefaults(ctx))
	settings, err = repo.Settings(ctx)
	require.NoError(t, err)
	require.Equal(t, 15, settings.CheckInterval)
}

func TestSettings_NotConfigured(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Settings(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = repo.PromptByName(context.Background(), FilterPromptName)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestUpdateCheckInterval_RejectsNonPositive(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.EnsureDefaults(context.Background()))

	require.Error(t, repo.UpdateCheckInterval(context.Background(), 0))
	require.Error(t, repo.UpdateCheckInterval(context.Background(), -5))
}

func TestSaveNewArticles_ThreeWayDedup(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	original := testArticle(feedID, "guid-1", "Original Title", "https://example.com/a1")
	n, err := repo.SaveNewArticles(ctx, []models.Article{original})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	candidates := []models.Article{
		testArticle(feedID, "guid-1", "Different Title", "https://example.com/other-1"), // same guid
		testArticle(feedID, "guid-2", "Another Title", "https://example.com/a1"),       // same url
		testArticle(feedID, "guid-3", "Original Title", "https://example.com/other-2"), // same title
		testArticle(feedID, "guid-4", "Fresh Title", "https://example.com/a2"),
	}
	n, err = repo.SaveNewArticles(ctx, candidates)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the genuinely new candidate should be inserted")

	exists, err := repo.ArticleExists(ctx, "guid-4", "", "")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestSaveNewArticles_DedupWithinBatch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	// Two entries in the same batch colliding on title: the second loses.
	candidates := []models.Article{
		testArticle(feedID, "guid-a", "Shared Title", "https://example.com/x1"),
		testArticle(feedID, "guid-b", "Shared Title", "https://example.com/x2"),
	}
	n, err := repo.SaveNewArticles(ctx, candidates)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestClaimPending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a1 := insertTestArticle(t, repo, feedID, "guid-1")
	a2 := insertTestArticle(t, repo, feedID, "guid-2")

	now := time.Now().UTC()
	claimed, err := repo.ClaimPending(ctx, now)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.Equal(t, a1.ID, claimed[0].ID)
	require.Equal(t, a2.ID, claimed[1].ID)
	for _, a := range claimed {
		require.True(t, a.Processing)
		require.True(t, a.ProcessingStarted.Valid)
	}

	// A second overlapping run sees nothing while the leases are live.
	again, err := repo.ClaimPending(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, again)

	// Once the leases expire the articles are claimable again.
	later := now.Add(LeaseTimeout + time.Minute)
	reclaimed, err := repo.ClaimPending(ctx, later)
	require.NoError(t, err)
	require.Len(t, reclaimed, 2)
}

func TestClaimPending_SkipsProcessed(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	require.NoError(t, repo.MarkProcessed(ctx, a.ID))

	claimed, err := repo.ClaimPending(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestLeaseArticle_Statuses(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	now := time.Now().UTC()

	leased, status, err := repo.LeaseArticle(ctx, a.ID, now)
	require.NoError(t, err)
	require.Equal(t, LeaseAcquired, status)
	require.True(t, leased.Processing)

	// A second caller inside the lease window is turned away.
	_, status, err = repo.LeaseArticle(ctx, a.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, LeaseHeldElsewhere, status)

	// Past the timeout the lease is reset to pending, not handed over.
	_, status, err = repo.LeaseArticle(ctx, a.ID, now.Add(LeaseTimeout+time.Second))
	require.NoError(t, err)
	require.Equal(t, LeaseReclaimed, status)

	fresh, err := repo.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, fresh.Processing)
	require.False(t, fresh.ProcessingStarted.Valid)

	// A processed article is a terminal no-op.
	require.NoError(t, repo.MarkProcessed(ctx, a.ID))
	_, status, err = repo.LeaseArticle(ctx, a.ID, now)
	require.NoError(t, err)
	require.Equal(t, LeaseAlreadyProcessed, status)
}

func TestLeaseArticle_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, _, err := repo.LeaseArticle(context.Background(), 9999, time.Now().UTC())
	require.ErrorIs(t, err, ErrArticleNotFound)
}

func TestCommitResult_ClearsLease(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	_, status, err := repo.LeaseArticle(ctx, a.ID, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, LeaseAcquired, status)

	require.NoError(t, repo.CommitResult(ctx, a.ID, `{"summary":"done","filtered_out":false}`))

	fresh, err := repo.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, fresh.Processed)
	require.False(t, fresh.Processing)
	require.False(t, fresh.ProcessingStarted.Valid)
	require.Equal(t, `{"summary":"done","filtered_out":false}`, fresh.Summary.String)
}

func TestReleaseLease_KeepsPending(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	_, _, err := repo.LeaseArticle(ctx, a.ID, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseLease(ctx, a.ID))

	claimed, err := repo.ClaimPending(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, a.ID, claimed[0].ID)
}

func TestMarkPublished(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	require.NoError(t, repo.MarkPublished(ctx, a.ID, "note-abc"))

	fresh, err := repo.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, fresh.SentToJoplin)
	require.Equal(t, "note-abc", fresh.JoplinID.String)
}

func TestProcessedGUIDs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a1 := insertTestArticle(t, repo, feedID, "guid-1")
	insertTestArticle(t, repo, feedID, "guid-2")
	require.NoError(t, repo.MarkProcessed(ctx, a1.ID))

	guids, err := repo.ProcessedGUIDs(ctx)
	require.NoError(t, err)
	require.Contains(t, guids, "guid-1")
	require.NotContains(t, guids, "guid-2")
}

func TestFetchArticles_CursorPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		a := testArticle(feedID, guidFor(i), titleFor(i), urlFor(i))
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		n, err := repo.SaveNewArticles(ctx, []models.Article{a})
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	since := base.Add(-time.Hour)
	page1, err := repo.FetchArticles(ctx, 2, &since, nil, nil)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	last := page1[len(page1)-1]
	cursorTS := last.CreatedAt
	page2, err := repo.FetchArticles(ctx, 10, nil, &cursorTS, &last.ID)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	require.Greater(t, page2[0].CreatedAt.Unix(), page1[0].CreatedAt.Unix())
}

func TestFetchArticles_RequiresWindow(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.FetchArticles(context.Background(), 10, nil, nil, nil)
	require.Error(t, err)
}

func TestActiveFeeds_OrderAndFilter(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	idA := insertTestFeed(t, repo, "https://a.example.com/rss")
	idB := insertTestFeed(t, repo, "https://b.example.com/rss")

	inactive := models.NewFeed()
	inactive.Name = "inactive"
	inactive.URL = "https://c.example.com/rss"
	inactive.Active = false
	require.NoError(t, repo.InsertFeed(ctx, inactive))

	// Feed B was checked recently, so A should come first.
	require.NoError(t, repo.TouchFeedChecked(ctx, idB, time.Now().UTC()))
	require.NoError(t, repo.TouchFeedChecked(ctx, idA, time.Now().UTC().Add(-time.Hour)))

	feeds, err := repo.ActiveFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	require.Equal(t, idA, feeds[0].ID)
	require.Equal(t, idB, feeds[1].ID)
}

func TestDeleteFeed_CascadesArticles(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	require.NoError(t, repo.DeleteFeed(ctx, feedID))

	_, err := repo.ArticleByID(ctx, a.ID)
	require.ErrorIs(t, err, ErrArticleNotFound)
}

func TestSetContent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	feedID := insertTestFeed(t, repo, "https://feeds.example.com/rss")

	a := insertTestArticle(t, repo, feedID, "guid-1")
	require.False(t, a.Content.Valid)

	require.NoError(t, repo.SetContent(ctx, a.ID, "extracted body"))

	fresh, err := repo.ArticleByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, sql.NullString{String: "extracted body", Valid: true}, fresh.Content)
}

func guidFor(i int) string  { return string(rune('a'+i)) + "-guid" }
func titleFor(i int) string { return "title " + string(rune('a'+i)) }
func urlFor(i int) string   { return "https://example.com/page-" + string(rune('a'+i)) }
