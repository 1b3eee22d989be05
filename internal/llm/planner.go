package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/quill/pkg/models"
)

const plannerSystem = `You are a research planner. Given a user request, break it
into independent sections that can be written in parallel and later composed
into one report. Respond with JSON only, no prose, in this shape:
{"summary": "...", "tasks": [{"id": 1, "title": "...", "objective": "...", "hints": ["..."]}]}
Task ids must be consecutive integers starting at 1.`

// Planner asks the model to decompose a request into section tasks.
type Planner struct {
	client   *Client
	maxTasks int
}

// NewPlanner creates a model-backed planner. maxTasks of 0 means no cap.
func NewPlanner(client *Client, maxTasks int) *Planner {
	return &Planner{client: client, maxTasks: maxTasks}
}

// Plan produces an ordered task list for the request.
func (p *Planner) Plan(ctx context.Context, request string) (*models.Plan, error) {
	prompt := request
	if p.maxTasks > 0 {
		prompt = fmt.Sprintf("%s\n\nProduce at most %d tasks.", request, p.maxTasks)
	}

	text, err := p.client.complete(ctx, plannerSystem, prompt, 4096)
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}

	plan, err := parsePlanJSON(text)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	plan.CreatedAt = time.Now()
	return plan, nil
}

// planDoc is the JSON shape the planner prompt requests.
type planDoc struct {
	Summary string `json:"summary"`
	Tasks   []struct {
		ID        int      `json:"id"`
		Title     string   `json:"title"`
		Objective string   `json:"objective"`
		InputRefs []string `json:"inputRefs"`
		Hints     []string `json:"hints"`
	} `json:"tasks"`
}

// parsePlanJSON extracts the plan from model output, tolerating markdown
// code fences and surrounding prose.
func parsePlanJSON(text string) (*models.Plan, error) {
	raw := extractJSONObject(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}

	var doc planDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode plan JSON: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}

	plan := &models.Plan{Summary: doc.Summary}
	for _, t := range doc.Tasks {
		plan.Tasks = append(plan.Tasks, &models.Task{
			ID:        t.ID,
			Title:     t.Title,
			Objective: t.Objective,
			InputRefs: t.InputRefs,
			Hints:     t.Hints,
			State:     models.TaskPending,
		})
	}
	return plan, nil
}

// extractJSONObject returns the first balanced top-level JSON object in the
// text, or empty string.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
