// Package research enriches published tasks with parsed attachments, web
// search references and an LLM summary. Every step is best-effort.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bakeoff/internal/domain"
	"bakeoff/internal/metrics"
)

const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// DocumentParser extracts text from an attachment.
type DocumentParser interface {
	Parse(ctx context.Context, att domain.Attachment) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TaskStore reads tasks and persists their research state.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SetResearch(ctx context.Context, taskID string, rs domain.Research) error
}

type Pipeline struct {
	Store     TaskStore
	Parser    DocumentParser
	Searcher  Searcher
	Completer Completer
	Logger    *slog.Logger
	Timeout   time.Duration
}

const (
	maxDocChars   = 4000
	maxReferences = 5
	parseWorkers  = 4
)

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Enrich runs the pipeline for one task and stores the outcome. Errors are
// recorded on the task and logged, never returned to the publisher.
func (p *Pipeline) Enrich(ctx context.Context, taskID string) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	log := p.logger().With("task_id", taskID)
	if err := p.Store.SetResearch(ctx, taskID, domain.Research{Status: StatusPending}); err != nil {
		log.Warn("research: mark pending", "err", err)
		return
	}
	rs, err := p.run(ctx, taskID)
	if err != nil {
		log.Warn("research failed", "err", err)
		rs = domain.Research{Status: StatusFailed, Error: err.Error()}
	}
	metrics.ResearchRuns.WithLabelValues(rs.Status).Inc()
	// The request context may be spent; the final write gets its own.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.Store.SetResearch(saveCtx, taskID, rs); err != nil {
		log.Warn("research: store result", "err", err)
	}
}

func (p *Pipeline) run(ctx context.Context, taskID string) (domain.Research, error) {
	task, err := p.Store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Research{}, fmt.Errorf("load task: %w", err)
	}

	docs := make([]string, len(task.Attachments))
	var refs []SearchResult
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseWorkers + 1)
	if p.Parser != nil {
		for i, att := range task.Attachments {
			i, att := i, att
			g.Go(func() error {
				text, err := p.Parser.Parse(gctx, att)
				if err != nil {
					p.logger().Debug("research: parse attachment", "task_id", taskID, "file", att.Filename, "err", err)
					return nil
				}
				docs[i] = truncate(text, maxDocChars)
				return nil
			})
		}
	}
	if p.Searcher != nil {
		g.Go(func() error {
			res, err := p.Searcher.Search(gctx, task.Title)
			if err != nil {
				p.logger().Debug("research: search", "task_id", taskID, "err", err)
				return nil
			}
			mu.Lock()
			refs = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Research{}, err
	}
	if len(refs) > maxReferences {
		refs = refs[:maxReferences]
	}

	rs := domain.Research{Status: StatusComplete}
	for i, d := range docs {
		if d != "" {
			rs.Documents = append(rs.Documents, task.Attachments[i].Filename)
		}
	}
	for _, r := range refs {
		rs.References = append(rs.References, r.URL)
	}
	if p.Completer == nil {
		return rs, nil
	}
	summary, err := p.Completer.Complete(ctx, buildPrompt(task, docs, refs))
	if err != nil {
		return domain.Research{}, fmt.Errorf("complete: %w", err)
	}
	rs.Summary = strings.TrimSpace(summary)
	return rs, nil
}

func buildPrompt(task domain.Task, docs []string, refs []SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nCategory: %s\n\n%s\n", task.Title, task.Category, task.Description)
	for i, d := range docs {
		if d == "" {
			continue
		}
		fmt.Fprintf(&b, "\nAttachment %s:\n%s\n", task.Attachments[i].Filename, d)
	}
	if len(refs) > 0 {
		b.WriteString("\nReferences:\n")
		for _, r := range refs {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
		}
	}
	b.WriteString("\nSummarize what a successful submission must deliver.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
