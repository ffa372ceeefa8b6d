// Package pipeline claims pending articles and drives them through the
// two-stage classify-then-extract flow, ending in a committed result and an
// optional published note.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"cti-watch/monitor/internal/ioc"
	"cti-watch/monitor/internal/joplin"
	"cti-watch/monitor/internal/llm"
	"cti-watch/monitor/internal/models"
	"cti-watch/monitor/internal/storage"
)

// excerptLimit bounds how much article text is sent to the models.
const excerptLimit = 3000

// Stage-one classification is a fixed instruction; only the model comes
// from the filter_prompt row.
const (
	filterSystemPrompt = "You are a CTI analyst assistant that determines if articles contain valuable threat intelligence."
	filterInstruction  = "Determine if this article contains valuable threat intelligence information such as new threats, vulnerabilities, TTPs, or IOCs. Respond with only 'KEEP' or 'DISCARD'."
	parseSystemPrompt  = "You are a concise CTI analyst assistant."
)

const filteredOutSummary = "Article filtered out - not relevant for CTI"

// ErrNoArticleSucceeded is returned when a batch had claimable work but
// not a single item completed.
var ErrNoArticleSucceeded = errors.New("pipeline: no article processed successfully")

// ContentExtractor resolves an article URL to plain text.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Completer generates text from a chat message list. Implementations must
// not retry; the pipeline decides what a failure means for the item.
type Completer interface {
	Complete(ctx context.Context, model string, messages []llm.Message, apiKey string) (string, error)
}

// NotePublisher pushes a formatted note to the external note service.
type NotePublisher interface {
	CreateNote(ctx context.Context, endpoint, token string, note joplin.Note) (string, error)
}

// Pipeline orchestrates claiming, extraction, classification and publish.
type Pipeline struct {
	store     *storage.Repository
	extractor ContentExtractor
	completer Completer
	notes     NotePublisher
	now       func() time.Time
}

// New wires the pipeline's collaborators together.
func New(store *storage.Repository, extractor ContentExtractor, completer Completer, notes NotePublisher) *Pipeline {
	return &Pipeline{
		store:     store,
		extractor: extractor,
		completer: completer,
		notes:     notes,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// runConfig is the configuration snapshot one run operates under. Loading
// it fails before any item is touched when settings or prompts are absent.
type runConfig struct {
	settings *models.Settings
	filter   *models.Prompt
	parse    *models.Prompt
}

func (p *Pipeline) loadRunConfig(ctx context.Context) (*runConfig, error) {
	settings, err := p.store.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.OpenAIAPIKey.Valid || settings.OpenAIAPIKey.String == "" {
		return nil, fmt.Errorf("openai api key: %w", storage.ErrNotConfigured)
	}

	filter, err := p.store.PromptByName(ctx, storage.FilterPromptName)
	if err != nil {
		return nil, err
	}
	parse, err := p.store.PromptByName(ctx, storage.ParsePromptName)
	if err != nil {
		return nil, err
	}
	return &runConfig{settings: settings, filter: filter, parse: parse}, nil
}

// ProcessPending claims every eligible article and processes the batch.
// Per-item failures are contained: the item's lease is released and it
// stays pending for the next run.
func (p *Pipeline) ProcessPending(ctx context.Context) error {
	cfg, err := p.loadRunConfig(ctx)
	if err != nil {
		return err
	}

	seenGUIDs, err := p.store.ProcessedGUIDs(ctx)
	if err != nil {
		return err
	}

	claimed, err := p.store.ClaimPending(ctx, p.now())
	if err != nil {
		return fmt.Errorf("claim pending articles: %w", err)
	}
	if len(claimed) == 0 {
		log.Info().Msg("No pending articles to process")
		return nil
	}
	log.Info().Int("claimed", len(claimed)).Msg("Claimed pending articles")

	// Pre-filter: duplicates of already-processed GUIDs and over-age items
	// are finalized without touching the models.
	var batch []models.Article
	duplicates, tooOld := 0, 0
	now := p.now()
	maxAge := cfg.settings.MaxArticleAge

	for _, a := range claimed {
		if _, dup := seenGUIDs[a.GUID]; dup {
			duplicates++
			log.Warn().
				Int64("article_id", a.ID).
				Str("guid", a.GUID).
				Msg("Skipping duplicate of an already processed article")
			if err := p.store.MarkProcessed(ctx, a.ID); err != nil {
				log.Error().Err(err).Int64("article_id", a.ID).Msg("Failed to finalize duplicate")
			}
			continue
		}

		if maxAge > 0 && a.Published.Valid {
			ageDays := int(now.Sub(a.Published.Time).Hours() / 24)
			if ageDays > maxAge {
				tooOld++
				log.Info().
					Int64("article_id", a.ID).
					Int("age_days", ageDays).
					Int("max_age_days", maxAge).
					Msg("Skipping article over the age limit")
				if err := p.store.MarkProcessed(ctx, a.ID); err != nil {
					log.Error().Err(err).Int64("article_id", a.ID).Msg("Failed to finalize over-age article")
				}
				continue
			}
		}

		seenGUIDs[a.GUID] = struct{}{}
		batch = append(batch, a)
	}

	if duplicates > 0 || tooOld > 0 {
		log.Info().
			Int("duplicates", duplicates).
			Int("too_old", tooOld).
			Msg("Pre-filter finalized articles without model calls")
	}
	if len(batch) == 0 {
		return nil
	}

	succeeded := 0
	for i := range batch {
		a := batch[i]
		if err := p.processClaimed(ctx, &a, cfg); err != nil {
			log.Error().
				Err(err).
				Int64("article_id", a.ID).
				Str("guid", a.GUID).
				Msg("Article processing failed, left pending for retry")
			continue
		}
		succeeded++
	}

	log.Info().
		Int("succeeded", succeeded).
		Int("failed", len(batch)-succeeded).
		Msg("Article processing cycle finished")

	if succeeded == 0 {
		return ErrNoArticleSucceeded
	}
	return nil
}

// ProcessArticle runs the pipeline for a single article on demand. A
// processed article is an idempotent no-op; an article with a live lease
// belongs to another run and is skipped; an expired lease is reset so the
// next claim pass retries it.
func (p *Pipeline) ProcessArticle(ctx context.Context, id int64) error {
	cfg, err := p.loadRunConfig(ctx)
	if err != nil {
		return err
	}

	article, status, err := p.store.LeaseArticle(ctx, id, p.now())
	if err != nil {
		return err
	}

	switch status {
	case storage.LeaseAlreadyProcessed:
		log.Warn().Int64("article_id", id).Str("guid", article.GUID).Msg("Article already processed, skipping")
		return nil
	case storage.LeaseHeldElsewhere:
		log.Warn().Int64("article_id", id).Str("guid", article.GUID).Msg("Article is being processed elsewhere, skipping")
		return nil
	case storage.LeaseReclaimed:
		log.Warn().Int64("article_id", id).Str("guid", article.GUID).Msg("Expired lease reset; article will be retried by the next claim pass")
		return nil
	}

	return p.processClaimed(ctx, article, cfg)
}

// processClaimed runs the stages for an article whose lease the caller
// already holds. Whatever happens, the lease does not survive this call:
// either the result commit clears it or the deferred release does.
func (p *Pipeline) processClaimed(ctx context.Context, article *models.Article, cfg *runConfig) (err error) {
	committed := false
	defer func() {
		if committed {
			return
		}
		if relErr := p.store.ReleaseLease(ctx, article.ID); relErr != nil {
			log.Error().Err(relErr).Int64("article_id", article.ID).Msg("Failed to release lease")
		}
	}()

	content := article.Content.String
	if !article.Content.Valid || strings.TrimSpace(content) == "" {
		content, err = p.extractor.Extract(ctx, article.URL)
		if err != nil {
			return fmt.Errorf("extract content: %w", err)
		}
		if err := p.store.SetContent(ctx, article.ID, content); err != nil {
			return err
		}
	}

	excerpt := truncateRunes(content, excerptLimit)

	// Stage 1: cheap keep/discard decision.
	verdict, err := p.completer.Complete(ctx, cfg.filter.Model, []llm.Message{
		{Role: "system", Content: filterSystemPrompt},
		{Role: "user", Content: filterInstruction + " Article: " + excerpt},
	}, cfg.settings.OpenAIAPIKey.String)
	if err != nil {
		return fmt.Errorf("classify article: %w", err)
	}

	if !strings.Contains(strings.ToUpper(verdict), "KEEP") {
		log.Info().Int64("article_id", article.ID).Msg("Article filtered out by classifier")
		encoded, err := models.Summary{Summary: filteredOutSummary, FilteredOut: true}.Encode()
		if err != nil {
			return err
		}
		if err := p.store.CommitResult(ctx, article.ID, encoded); err != nil {
			return err
		}
		committed = true
		return nil
	}

	// Stage 2: structured extraction with the stronger model.
	log.Info().Int64("article_id", article.ID).Msg("Article kept, running detailed extraction")
	indicators := ioc.Extract(content)

	raw, err := p.completer.Complete(ctx, cfg.parse.Model, []llm.Message{
		{Role: "system", Content: parseSystemPrompt},
		{Role: "user", Content: cfg.parse.Content + " Article: " + excerpt},
	}, cfg.settings.OpenAIAPIKey.String)
	if err != nil {
		return fmt.Errorf("parse article: %w", err)
	}

	var summary models.Summary
	if jsonErr := json.Unmarshal([]byte(raw), &summary); jsonErr != nil || summary.Summary == "" {
		// Unstructured model output (or JSON carrying no summary text, such
		// as a bare null) is recovered locally, never surfaced.
		summary = models.Summary{
			Summary: raw,
			Tags:    []string{"cti"},
			IOCs:    &indicators,
		}
	}
	if summary.IOCs == nil {
		summary.IOCs = &indicators
	}
	summary.Title = article.Title
	summary.FilteredOut = false

	encoded, err := summary.Encode()
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := p.store.CommitResult(ctx, article.ID, encoded); err != nil {
		return err
	}
	committed = true

	result := p.publish(ctx, cfg.settings, article, summary)
	switch result.Status {
	case PublishOK:
		if err := p.store.MarkPublished(ctx, article.ID, result.NoteID); err != nil {
			log.Error().Err(err).Int64("article_id", article.ID).Msg("Failed to record published note")
		} else {
			log.Info().Int64("article_id", article.ID).Str("note_id", result.NoteID).Msg("Article published to Joplin")
		}
	case PublishSkipped:
		log.Info().Int64("article_id", article.ID).Str("reason", result.Reason).Msg("Publish skipped")
	case PublishFailed:
		// Best-effort side effect: the article stays processed.
		log.Error().Err(result.Err).Int64("article_id", article.ID).Msg("Publish failed")
	}

	return nil
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
