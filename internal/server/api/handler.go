package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"cti-watch/monitor/internal/models"
	"cti-watch/monitor/internal/server/pagination"
)

const defaultLimit = 100
const maxLimit = 1000
const iso8601Format = time.RFC3339

// ArticleRepository abstracts the read path the handler needs.
type ArticleRepository interface {
	FetchArticles(ctx context.Context, limit int, since *time.Time, cursorTimestamp *time.Time, cursorID *int64) ([]models.Article, error)
}

// ArticlesResponse is the body for the articles listing endpoint.
type ArticlesResponse struct {
	Items      []models.Article `json:"items"`
	NextCursor *string          `json:"next_cursor,omitempty"`
}

// ArticlesHandler serves the read-only article listing.
type ArticlesHandler struct {
	repo ArticleRepository
}

// NewArticlesHandler creates a new handler instance.
func NewArticlesHandler(repo ArticleRepository) *ArticlesHandler {
	return &ArticlesHandler{
		repo: repo,
	}
}

// GetArticles handles requests to fetch stored articles with cursor pagination.
func (h *ArticlesHandler) GetArticles(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	log.Debug().Msg("Processing articles request")

	ctx := r.Context()

	query := r.URL.Query()
	limitStr := query.Get("limit")
	sinceStr := query.Get("since")
	cursorStr := query.Get("cursor")

	limit := defaultLimit
	if limitStr != "" {
		parsedLimit, err := strconv.Atoi(limitStr)
		if err != nil || parsedLimit <= 0 || parsedLimit > maxLimit {
			log.Warn().Err(err).Str("limit", limitStr).Msg("Invalid 'limit' parameter value")
			http.Error(w, fmt.Sprintf("Invalid 'limit' parameter: must be between 1 and %d", maxLimit), http.StatusBadRequest)
			return
		}
		limit = parsedLimit
	}

	var since *time.Time
	var cursorTimestamp *time.Time
	var cursorID *int64

	if cursorStr != "" {
		cur, err := pagination.Decode(cursorStr)
		if err != nil {
			log.Warn().Err(err).Str("cursor", cursorStr).Msg("Invalid 'cursor' parameter")
			http.Error(w, "Invalid 'cursor' parameter", http.StatusBadRequest)
			return
		}
		cursorTimestamp = &cur.CreatedAt
		cursorID = &cur.ID
	} else if sinceStr != "" {
		parsedSince, err := time.Parse(iso8601Format, sinceStr)
		if err != nil {
			log.Warn().Err(err).Str("since", sinceStr).Msg("Invalid 'since' parameter format")
			http.Error(w, "Invalid 'since' parameter: use RFC3339 format (e.g., 2025-03-28T15:00:00Z)", http.StatusBadRequest)
			return
		}
		utcSince := parsedSince.UTC()
		since = &utcSince
	} else {
		log.Warn().Msg("Missing required parameter: 'since' or 'cursor'")
		http.Error(w, "Missing required parameter: 'since' or 'cursor'", http.StatusBadRequest)
		return
	}

	items, err := h.repo.FetchArticles(ctx, limit+1, since, cursorTimestamp, cursorID) // Fetch one extra
	if err != nil {
		errLogEvent := log.Error().Err(err)
		if since != nil {
			errLogEvent = errLogEvent.Time("since", *since)
		}
		errLogEvent.Str("cursor", cursorStr).Msg("Error fetching articles from repository")

		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	var nextCursorStr *string
	hasNextPage := len(items) > limit
	actualItems := items
	if hasNextPage {
		actualItems = items[:limit]
		if len(actualItems) > 0 {
			last := actualItems[len(actualItems)-1]
			cursor := pagination.Cursor{CreatedAt: last.CreatedAt.UTC(), ID: last.ID}.Encode()
			nextCursorStr = &cursor
		}
	}

	response := ArticlesResponse{
		Items:      actualItems,
		NextCursor: nextCursorStr,
	}

	writeJSON(w, log, response)
}

// Runner triggers and reschedules background jobs.
type Runner interface {
	TriggerPoll(ctx context.Context) error
	TriggerProcess(ctx context.Context) error
	Reschedule(ctx context.Context, minutes int) (bool, error)
}

// JobsHandler exposes manual job triggers and interval updates.
type JobsHandler struct {
	runner Runner
}

// NewJobsHandler creates a new handler instance.
func NewJobsHandler(runner Runner) *JobsHandler {
	return &JobsHandler{
		runner: runner,
	}
}

// RunPoll triggers an immediate feed poll.
func (h *JobsHandler) RunPoll(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, "poll", h.runner.TriggerPoll)
}

// RunProcess triggers an immediate processing pass over pending articles.
func (h *JobsHandler) RunProcess(w http.ResponseWriter, r *http.Request) {
	h.runJob(w, r, "process", h.runner.TriggerProcess)
}

func (h *JobsHandler) runJob(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	log := hlog.FromRequest(r)

	if err := fn(r.Context()); err != nil {
		log.Error().Err(err).Str("job", name).Msg("Manual job trigger failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Info().Str("job", name).Msg("Manual job triggered")
	writeJSON(w, log, map[string]string{"status": "triggered", "job": name})
}

type intervalRequest struct {
	Minutes int `json:"minutes"`
}

type intervalResponse struct {
	Minutes     int  `json:"minutes"`
	Rescheduled bool `json:"rescheduled"`
}

// UpdateInterval persists a new feed check interval and, when the scheduler
// is running, applies it to the live poll loop.
func (h *JobsHandler) UpdateInterval(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid interval request body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Minutes <= 0 {
		http.Error(w, "Invalid 'minutes': must be a positive integer", http.StatusBadRequest)
		return
	}

	applied, err := h.runner.Reschedule(r.Context(), req.Minutes)
	if err != nil {
		log.Error().Err(err).Int("minutes", req.Minutes).Msg("Failed to update check interval")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Info().Int("minutes", req.Minutes).Bool("rescheduled", applied).Msg("Check interval updated")
	writeJSON(w, log, intervalResponse{Minutes: req.Minutes, Rescheduled: applied})
}

func writeJSON(w http.ResponseWriter, log *zerolog.Logger, v any) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(jsonBytes); err != nil {
		log.Error().Err(err).Msg("Error writing JSON response body to client")
		// Cannot reliably send a different status code here.
	}
}
