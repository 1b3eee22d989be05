package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/quill/pkg/models"
)

const solverSystem = `You are a section writer. Write the requested section of
a larger report. Return the section content only, ready to be composed with
other sections. Use markdown.`

// Solver asks the model to produce one section's content.
type Solver struct {
	client *Client
}

// NewSolver creates a model-backed solver.
func NewSolver(client *Client) *Solver {
	return &Solver{client: client}
}

// Solve executes one section task and returns its content.
func (s *Solver) Solve(ctx context.Context, task *models.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n", task.Title)
	if task.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", task.Objective)
	}
	if len(task.InputRefs) > 0 {
		fmt.Fprintf(&b, "Inputs: %s\n", strings.Join(task.InputRefs, ", "))
	}
	if len(task.Hints) > 0 {
		fmt.Fprintf(&b, "Hints:\n")
		for _, h := range task.Hints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}

	text, err := s.client.complete(ctx, solverSystem, b.String(), 8192)
	if err != nil {
		return "", fmt.Errorf("solve task %d: %w", task.ID, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("solve task %d: empty model output", task.ID)
	}
	return text, nil
}
