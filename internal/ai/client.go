// Package ai wraps the text and image generation backends used to produce a
// turn's oracle event, narration, proposed actions, and scene image.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"saga-server/internal/models"

	"github.com/pkoukk/tiktoken-go"
	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrGenerationFailed wraps any text generation failure.
var ErrGenerationFailed = errors.New("text generation failed")

// Narrator produces the textual parts of a scene. The oracle event describes
// what truly happened and is never shown to the player; the narration is the
// player-facing prose derived from it.
type Narrator interface {
	GenerateEvent(ctx context.Context, userID, backstory string, history []models.Scene, action string) (string, error)
	GenerateNarration(ctx context.Context, userID, backstory string, history []models.Scene, action, event string) (string, error)
	GenerateProposedActions(ctx context.Context, userID, event, narration string) ([]string, error)
}

type openAINarrator struct {
	client      *openai.Client
	model       string
	tokenBudget int
	logger      *zap.Logger
}

var _ Narrator = (*openAINarrator)(nil)

// NewOpenAINarrator builds a Narrator over the OpenAI-compatible chat API.
// baseURL may be empty for the default endpoint; tokenBudget bounds the
// history included in each prompt.
func NewOpenAINarrator(apiKey, baseURL, model string, tokenBudget int, logger *zap.Logger) Narrator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAINarrator{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		tokenBudget: tokenBudget,
		logger:      logger.Named("Narrator"),
	}
}

const eventSystemPrompt = `You are the hidden game master of a turn-based interactive story.
Given the backstory, the story so far, and the player's latest action, decide what truly happens next.
Describe the outcome factually and completely, including details the player cannot perceive yet.
Respond with the event description only, no preamble.`

const narrationSystemPrompt = `You are the narrator of a turn-based interactive story.
Given the backstory, the story so far, the player's latest action, and a hidden description of what truly happened,
write the next scene as the player experiences it. Reveal only what the player can perceive.
Respond with the narration only, no preamble.`

const actionsSystemPrompt = `You suggest the player's next moves in a turn-based interactive story.
Given the hidden event and the narration of the current scene, propose 3 short, distinct actions the player could take.
Respond with a JSON array of strings and nothing else.`

func (n *openAINarrator) GenerateEvent(ctx context.Context, userID, backstory string, history []models.Scene, action string) (string, error) {
	prompt := n.buildHistoryPrompt(backstory, history, action, true)
	return n.complete(ctx, "event", userID, eventSystemPrompt, prompt)
}

func (n *openAINarrator) GenerateNarration(ctx context.Context, userID, backstory string, history []models.Scene, action, event string) (string, error) {
	var sb strings.Builder
	sb.WriteString(n.buildHistoryPrompt(backstory, history, action, false))
	sb.WriteString("\n\nWhat truly happened:\n")
	sb.WriteString(event)
	return n.complete(ctx, "narration", userID, narrationSystemPrompt, sb.String())
}

func (n *openAINarrator) GenerateProposedActions(ctx context.Context, userID, event, narration string) ([]string, error) {
	prompt := fmt.Sprintf("Hidden event:\n%s\n\nNarration:\n%s", event, narration)
	raw, err := n.complete(ctx, "actions", userID, actionsSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	return parseProposedActions(raw)
}

func (n *openAINarrator) complete(ctx context.Context, kind, userID, systemPrompt, userPrompt string) (string, error) {
	startTime := time.Now()
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	duration := time.Since(startTime)

	if err != nil {
		n.logger.Error("AI request failed",
			zap.String("kind", kind),
			zap.String("userID", userID),
			zap.Duration("duration", duration),
			zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": n.model, "kind": kind, "status": "error"}).Inc()
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": n.model, "kind": kind, "status": "error_empty_response"}).Inc()
		return "", fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": n.model, "kind": kind, "status": "success"}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": n.model, "kind": kind}).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		aiPromptTokens.With(prometheus.Labels{"model": n.model, "kind": kind}).Observe(float64(resp.Usage.PromptTokens))
		aiCompletionTokens.With(prometheus.Labels{"model": n.model, "kind": kind}).Observe(float64(resp.Usage.CompletionTokens))
	}

	n.logger.Debug("AI request completed",
		zap.String("kind", kind),
		zap.String("userID", userID),
		zap.Duration("duration", duration),
		zap.Int("totalTokens", resp.Usage.TotalTokens))

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// buildHistoryPrompt renders the backstory and scene history, dropping the
// oldest scenes first when the prompt would exceed the token budget. The
// backstory and the latest action are never dropped.
func (n *openAINarrator) buildHistoryPrompt(backstory string, history []models.Scene, action string, includeEvents bool) string {
	var fixed strings.Builder
	fixed.WriteString("Backstory:\n")
	fixed.WriteString(backstory)

	var tail strings.Builder
	tail.WriteString("\n\nThe player now does:\n")
	tail.WriteString(action)

	budget := n.tokenBudget - n.countTokens(fixed.String()) - n.countTokens(tail.String())

	rendered := make([]string, len(history))
	for i, scene := range history {
		var sb strings.Builder
		fmt.Fprintf(&sb, "\n\nScene %d:\n%s", scene.OrderInSession, scene.Narration)
		if includeEvents && scene.Event != "" {
			fmt.Fprintf(&sb, "\n(What truly happened: %s)", scene.Event)
		}
		if scene.Action != nil {
			fmt.Fprintf(&sb, "\nPlayer action: %s", *scene.Action)
		}
		rendered[i] = sb.String()
	}

	start := 0
	total := 0
	for i := len(rendered) - 1; i >= 0; i-- {
		cost := n.countTokens(rendered[i])
		if total+cost > budget {
			start = i + 1
			break
		}
		total += cost
	}
	if start > 0 {
		n.logger.Debug("Trimmed scene history to fit token budget",
			zap.Int("dropped", start),
			zap.Int("kept", len(rendered)-start))
	}

	for _, part := range rendered[start:] {
		fixed.WriteString(part)
	}
	fixed.WriteString(tail.String())
	return fixed.String()
}

func (n *openAINarrator) countTokens(text string) int {
	tke, err := tiktoken.EncodingForModel(n.model)
	if err != nil {
		// Rough fallback: about 4 characters per token for English prose.
		return len(text) / 4
	}
	return len(tke.Encode(text, nil, nil))
}

// parseProposedActions decodes the model's JSON array reply, tolerating code
// fences and falling back to line splitting for non-JSON replies.
func parseProposedActions(raw string) ([]string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var actions []string
	if err := json.Unmarshal([]byte(cleaned), &actions); err == nil {
		return normalizeActions(actions), nil
	}

	var lines []string
	for _, line := range strings.Split(cleaned, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: could not parse proposed actions from %q", ErrGenerationFailed, raw)
	}
	return normalizeActions(lines), nil
}

func normalizeActions(actions []string) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
