package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"cti-watch/monitor/internal/joplin"
	"cti-watch/monitor/internal/models"
)

// noteTags are attached to every published note.
var noteTags = []string{"cti", "openai"}

// PublishStatus distinguishes a deliberately skipped publish from a failed
// one.
type PublishStatus int

const (
	// PublishOK means the note was created.
	PublishOK PublishStatus = iota
	// PublishSkipped means the integration is disabled or unconfigured.
	PublishSkipped
	// PublishFailed means the note-service call failed.
	PublishFailed
)

// PublishResult carries the outcome of the publish step.
type PublishResult struct {
	Status PublishStatus
	Reason string
	NoteID string
	Err    error
}

func (p *Pipeline) publish(ctx context.Context, settings *models.Settings, article *models.Article, summary models.Summary) PublishResult {
	if !settings.JoplinEnabled {
		return PublishResult{Status: PublishSkipped, Reason: "integration disabled"}
	}
	if !settings.JoplinAPIURL.Valid || settings.JoplinAPIURL.String == "" ||
		!settings.JoplinToken.Valid || settings.JoplinToken.String == "" {
		return PublishResult{Status: PublishSkipped, Reason: "endpoint or token not configured"}
	}

	note := joplin.Note{
		Title:     summary.Title,
		Body:      RenderNote(article, summary),
		SourceURL: article.URL,
		Tags:      noteTags,
	}

	noteID, err := p.notes.CreateNote(ctx, settings.JoplinAPIURL.String, settings.JoplinToken.String, note)
	if err != nil {
		return PublishResult{Status: PublishFailed, Err: err}
	}
	return PublishResult{Status: PublishOK, NoteID: noteID}
}

// RenderNote formats the pipeline result as the Markdown note body: title
// heading, date/source line, summary, non-empty indicator categories, then
// TTP and threat-group sections when present.
func RenderNote(article *models.Article, summary models.Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", summary.Title)

	if article.Published.Valid {
		fmt.Fprintf(&b, "*Published on: %s*  \n", article.Published.Time.UTC().Format("2006-01-02 15:04 UTC"))
	}
	fmt.Fprintf(&b, "*Source: [%s](%s)*\n\n", hostOf(article.URL), article.URL)

	text := summary.Summary
	if text == "" {
		text = "No summary available"
	}
	fmt.Fprintf(&b, "## Summary\n%s\n\n", text)
	fmt.Fprintf(&b, "## Source Details\n[Original Article](%s)\n\n", article.URL)

	b.WriteString("## IOCs\n")
	if summary.IOCs != nil {
		writeIOCLine(&b, "MD5", summary.IOCs.MD5)
		writeIOCLine(&b, "SHA1", summary.IOCs.SHA1)
		writeIOCLine(&b, "SHA256", summary.IOCs.SHA256)
		writeIOCLine(&b, "IPS", summary.IOCs.IPs)
		writeIOCLine(&b, "DOMAINS", summary.IOCs.Domains)
	}

	if len(summary.TTP) > 0 {
		fmt.Fprintf(&b, "\n## TTPs\n- %s\n", strings.Join(summary.TTP, " "))
	}
	if len(summary.ThreatGroups) > 0 {
		fmt.Fprintf(&b, "\n## Threat Groups\n- %s\n", strings.Join(summary.ThreatGroups, " "))
	}

	return b.String()
}

func writeIOCLine(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(values, ", "))
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
