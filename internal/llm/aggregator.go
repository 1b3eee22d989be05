package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

const aggregatorSystem = `You compose final reports from pre-written sections.
Merge the sections into one coherent markdown document with a short
introduction. Where a section failed, note the gap briefly instead of
inventing content. Return the document only.`

// Aggregator asks the model to compose section outcomes into a report.
type Aggregator struct {
	client *Client
}

// NewAggregator creates a model-backed aggregator.
func NewAggregator(client *Client) *Aggregator {
	return &Aggregator{client: client}
}

// Aggregate composes the per-task outcomes, already in task-id order, into
// a single report.
func (a *Aggregator) Aggregate(ctx context.Context, entries []models.ReportEntry) (*models.Report, error) {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "## Section %d: %s\n", e.Task.ID, e.Task.Title)
		switch {
		case e.Err != "":
			fmt.Fprintf(&b, "(section failed: %s)\n\n", e.Err)
		case e.Task.State == models.TaskCancelled:
			fmt.Fprintf(&b, "(section cancelled)\n\n")
		default:
			fmt.Fprintf(&b, "%s\n\n", e.Result)
		}
	}

	text, err := a.client.complete(ctx, aggregatorSystem, b.String(), 8192)
	if err != nil {
		return nil, fmt.Errorf("aggregate report: %w", err)
	}

	return &models.Report{
		Content:    text,
		ComposedAt: time.Now(),
	}, nil
}
