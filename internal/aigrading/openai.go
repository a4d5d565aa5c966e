package aigrading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Client grades essays through an OpenAI-compatible chat completion API.
type Client struct {
	api        *openai.Client
	model      string
	maxRetries int
	backoff    time.Duration
}

// NewClient builds a client. baseURL may point at any OpenAI-compatible
// endpoint (local llama.cpp, vLLM, the hosted API).
func NewClient(baseURL, apiKey, model string, maxRetries int) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
}

// GradeBatch sends all items in a single request and retries transient
// failures with exponential backoff. After the final retry the error is
// returned as-is; the caller decides what a failed batch means (for the
// engine: the attempt stays pending, nobody gets a zero).
func (c *Client) GradeBatch(ctx context.Context, items []Item, policy Policy) ([]ItemResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(policy)},
			{Role: openai.ChatMessageRoleUser, Content: buildBatchPrompt(items)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	}

	var lastErr error
	delay := c.backoff
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("grading service returned no choices")
			continue
		}
		results, err := parseBatchResponse(resp.Choices[0].Message.Content, items)
		if err != nil {
			lastErr = err
			continue
		}
		return results, nil
	}
	return nil, fmt.Errorf("ai grading failed after %d attempts: %w", c.maxRetries, lastErr)
}

// parseBatchResponse decodes the model's JSON and aligns it with the
// requested items. Scores are clamped to [0, max]; missing items fail
// the whole batch so a partial response never half-grades an attempt.
func parseBatchResponse(raw string, items []Item) ([]ItemResult, error) {
	var body struct {
		Results []ItemResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	byID := map[string]ItemResult{}
	for _, r := range body.Results {
		byID[r.QuestionID] = r
	}
	out := make([]ItemResult, 0, len(items))
	for _, it := range items {
		r, ok := byID[it.QuestionID]
		if !ok {
			return nil, fmt.Errorf("grading response missing question %s", it.QuestionID)
		}
		if r.Score < 0 {
			r.Score = 0
		}
		if r.Score > it.MaxScore {
			r.Score = it.MaxScore
		}
		r.MaxScore = it.MaxScore
		out = append(out, r)
	}
	return out, nil
}

func buildSystemPrompt(p Policy) string {
	var sb strings.Builder
	sb.WriteString("You are an exam grader evaluating free-text answers.\n")
	fmt.Fprintf(&sb, "Grading strictness: %d%% (0 = lenient, 100 = strict).\n", p.StrictnessPercent)
	if p.EnablePartialCredit {
		sb.WriteString("Award partial credit for partially correct answers.\n")
	} else {
		sb.WriteString("Do NOT award partial credit: an answer scores full points or zero.\n")
	}
	if p.ConsiderSpelling {
		sb.WriteString("Deduct for spelling mistakes.\n")
	} else {
		sb.WriteString("Ignore spelling mistakes.\n")
	}
	if p.ConsiderGrammar {
		sb.WriteString("Deduct for grammatical mistakes.\n")
	} else {
		sb.WriteString("Ignore grammatical mistakes.\n")
	}
	sb.WriteString("\nGrade every question independently. Respond ONLY with a JSON object:\n")
	sb.WriteString(`{"results": [{"question_id": "<id>", "score": <number 0 to max>, "max_score": <max>, "rationale": "<brief reasoning>"}]}`)
	sb.WriteString("\nInclude one entry per question, in any order.")
	return sb.String()
}

func buildBatchPrompt(items []Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Grade the following %d answer(s).\n", len(items))
	for i, it := range items {
		fmt.Fprintf(&sb, "\n--- QUESTION %d (id=%s, max_score=%.2f) ---\n", i+1, it.QuestionID, it.MaxScore)
		sb.WriteString("QUESTION: " + it.Prompt + "\n")
		if it.Rubric != "" {
			sb.WriteString("RUBRIC:\n" + it.Rubric + "\n")
		}
		if it.ModelAnswer != "" {
			sb.WriteString("MODEL ANSWER (not shown to student):\n" + it.ModelAnswer + "\n")
		}
		sb.WriteString("STUDENT ANSWER:\n" + it.Answer + "\n")
	}
	return sb.String()
}
