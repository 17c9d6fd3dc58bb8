package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/tsr/internal/models"
)

// Summary is a release-readiness narrative for one report.
type Summary struct {
	Headline       string   `json:"headline"`
	Narrative      string   `json:"narrative"`
	Risks          []string `json:"risks"`
	Recommendation string   `json:"recommendation"`
}

// Client wraps the Anthropic API for report summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for a report
// summary. The decision is stated as fact; the model explains it and must
// not second-guess it.
func buildSummaryPrompt(r *models.TestSummaryReport) (system string, user string) {
	system = `You write release-readiness summaries for a deployment gate. Given the facts of a test summary report, return a JSON object with exactly these fields:
- "headline": one sentence stating the go/no-go decision and the main reason
- "narrative": 2-4 sentences explaining what the evidence shows (tests, AI evals, requirements)
- "risks": array of short strings, one per blocking issue or warning worth a reviewer's attention (empty array if none)
- "recommendation": one sentence on what to do next

Rules:
- The decision is final; explain it, never contradict it
- Quote blocking issues faithfully, do not invent new ones
- Mention the latest eval iteration by name when there is one
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Report: %s\n", r.ID)
	fmt.Fprintf(&sb, "Environment: %s\n", r.Environment)
	fmt.Fprintf(&sb, "Triggered by: %s\n", r.TriggeredBy)
	if v := r.Versions; v != nil {
		fmt.Fprintf(&sb, "Codebase: %s@%s (%s)\n", v.CodebaseRepo, v.CodebaseSHA, v.CodebaseBranch)
		if v.PromptsVersion != "" {
			fmt.Fprintf(&sb, "Prompts version: %s\n", v.PromptsVersion)
		}
	}
	fmt.Fprintf(&sb, "\nDecision: %s\n", r.Decision)
	fmt.Fprintf(&sb, "Reason: %s\n", r.DecisionReason)
	if r.ApprovedBy != "" {
		fmt.Fprintf(&sb, "Approved by: %s\n", r.ApprovedBy)
	}
	writeList(&sb, "Blocking issues", r.BlockingIssues)
	writeList(&sb, "Warnings", r.Warnings)

	if len(r.TestResults) > 0 {
		sb.WriteString("\nTest results:\n")
		for _, tr := range r.TestResults {
			fmt.Fprintf(&sb, "- %s: %d/%d passed, %d failed, %d skipped\n",
				tr.TestType, tr.Passed, tr.Total, tr.Failed, tr.Skipped)
		}
	}

	if latest, ok := r.LatestIteration(); ok {
		fmt.Fprintf(&sb, "\nLatest eval iteration: #%d %s (%s), outcome %s\n",
			latest.Iteration, latest.VersionName, latest.PromptVersion, latest.Outcome)
		keys := make([]string, 0, len(latest.Metrics))
		for k := range latest.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %.3f\n", k, latest.Metrics[k])
		}
		fmt.Fprintf(&sb, "Eval iterations documented: %d\n", len(r.EvalIterations))
	}

	var open []string
	for _, it := range r.EvalIterations {
		for _, fm := range it.FailureModes {
			if fm.IsOpen() {
				open = append(open, fmt.Sprintf("%s (%s, %s)", fm.Name, fm.Severity, fm.Category))
			}
		}
	}
	writeList(&sb, "Open failure modes", open)

	if n := len(r.RequirementCoverage); n > 0 {
		verified := 0
		for _, rc := range r.RequirementCoverage {
			if rc.VerificationStatus == models.VerificationVerified {
				verified++
			}
		}
		fmt.Fprintf(&sb, "\nRequirements verified: %d/%d\n", verified, n)
	}

	user = sb.String()
	return
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

// parseSummary decodes the model's reply, tolerating markdown fencing.
func parseSummary(text string) (*Summary, error) {
	text = stripFencing(text)
	var s Summary
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if s.Headline == "" {
		return nil, fmt.Errorf("LLM response has no headline")
	}
	if s.Risks == nil {
		s.Risks = []string{}
	}
	return &s, nil
}

// stripFencing removes a surrounding ``` block if present.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

// Summarize asks the model for a release-readiness summary of the report.
func (c *Client) Summarize(ctx context.Context, r *models.TestSummaryReport) (*Summary, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(r)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	// Extract text from response
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	return parseSummary(text)
}
