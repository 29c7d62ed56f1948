package engine

import (
	"context"
	"fmt"
	"strings"

	"mindwell/internal/domain"
	"mindwell/internal/llm"
	"mindwell/internal/plandoc"
)

const monthlyPlanSystemPrompt = `You are an experienced mental health counselor. Analyze the user's
situation and produce a personalized 4-week treatment plan. Tailor every
activity to the user's specific problems and circumstances rather than
generic advice.

Return STRICTLY the following JSON structure and nothing else:

{
  "weeks": [
    {
      "week": 1,
      "title": "week theme",
      "description": "what this week focuses on",
      "items": [
        {"day": 1, "date": "%s", "text": "concrete activity for this day", "completed": false}
      ]
    }
  ]
}

Rules:
- exactly 4 weeks, each with exactly 7 items
- item dates run consecutively starting %s through %s
- day numbers restart at 1 within each week
- every "completed" is false
- respond with JSON only, no markdown fences, no commentary`

const dailyPlanSystemPrompt = `You are an experienced mental health counselor. Produce a healing plan
for today only, tailored to the user's situation.

Return STRICTLY the following JSON structure and nothing else:

{
  "title": "plan title",
  "date": "%s",
  "theme": "the day's theme",
  "tasks": [
    {"id": 1, "text": "concrete task", "completed": false}
  ],
  "practices": ["supporting practice"]
}

Rules:
- 3 to 6 tasks with sequential integer ids starting at 1
- every "completed" is false
- respond with JSON only, no markdown fences, no commentary`

// GenerateMonthlyPlan asks the model for a 4-week weeks-shape document
// starting today, validates it and stores it as an active monthly plan.
func (e Engine) GenerateMonthlyPlan(ctx context.Context, userID int64, prompt string, flowData map[string]any) (domain.Plan, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.Plan{}, err
	}

	start := e.localNow()
	system := fmt.Sprintf(monthlyPlanSystemPrompt,
		start.Format("2006-01-02"),
		start.Format("2006-01-02"),
		start.AddDate(0, 0, 27).Format("2006-01-02"))

	content, err := e.generateDocument(ctx, system, prompt, plandoc.ShapeWeeks)
	if err != nil {
		return domain.Plan{}, err
	}
	return e.SavePlan(ctx, PlanSaveOptions{
		UserID:   userID,
		Name:     planName(flowData, start.Format("20060102_1504")),
		Content:  content,
		FlowData: flowData,
		PlanType: "monthly",
	})
}

// GenerateDailyPlan asks the model for a flat-tasks document for today
// and stores it as an active daily plan.
func (e Engine) GenerateDailyPlan(ctx context.Context, userID int64, prompt string, flowData map[string]any) (domain.Plan, error) {
	if _, err := e.requireUser(ctx, userID); err != nil {
		return domain.Plan{}, err
	}

	now := e.localNow()
	system := fmt.Sprintf(dailyPlanSystemPrompt, now.Format("2006-01-02"))

	content, err := e.generateDocument(ctx, system, prompt, plandoc.ShapeFlat)
	if err != nil {
		return domain.Plan{}, err
	}
	return e.SavePlan(ctx, PlanSaveOptions{
		UserID:   userID,
		Name:     "daily-plan-" + now.Format("20060102"),
		Content:  content,
		FlowData: flowData,
		PlanType: "daily",
	})
}

// generateDocument runs one completion and insists the reply decodes to
// the expected document shape. Model output that fails validation is an
// error, never stored.
func (e Engine) generateDocument(ctx context.Context, system, prompt string, want plandoc.Shape) (string, error) {
	if e.LLM == nil {
		return "", llm.ErrNotConfigured
	}
	reply, err := e.LLM.Complete(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}
	content, err := llm.ExtractJSON(reply)
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}
	doc, err := plandoc.Decode(content)
	if err != nil {
		return "", fmt.Errorf("generate plan: %w", err)
	}
	if doc.Shape() != want {
		return "", fmt.Errorf("generate plan: model returned wrong document shape")
	}
	return content, nil
}

func planName(flowData map[string]any, suffix string) string {
	rel := "treatment"
	if flowData != nil {
		if s, ok := flowData["relationshipType"].(string); ok && strings.TrimSpace(s) != "" {
			rel = strings.TrimSpace(s)
		}
	}
	return fmt.Sprintf("%s-plan-%s", rel, suffix)
}
