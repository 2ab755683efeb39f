package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/randalmurphal/planforge/internal/config"
	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/resolve"
)

const systemPrompt = `You are a planning analyst. Read the document and produce actionable
recommendations. Respond with ONLY a JSON array, no prose, where each
element is {"title": "...", "body": "..."}. Titles are short imperative
phrases; bodies explain the recommendation in 1-3 sentences.`

// modelPricing is USD per 1K tokens (prompt, completion). Unknown
// models fall back to the most expensive known rate so estimates err
// high, never low.
var modelPricing = map[string][2]float64{
	"gpt-4o":        {0.0025, 0.01},
	"gpt-4o-mini":   {0.00015, 0.0006},
	"gpt-3.5-turbo": {0.0005, 0.0015},
}

const fallbackPromptPrice, fallbackCompletionPrice = 0.0025, 0.01

// OpenAIAnalyzer calls an OpenAI-compatible chat completion endpoint.
type OpenAIAnalyzer struct {
	name   string
	weight float64
	model  string
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIAnalyzer builds an analyzer from its configuration. The API
// key is read from the configured environment variable.
func NewOpenAIAnalyzer(cfg config.AnalyzerConfig, logger *slog.Logger) (*OpenAIAnalyzer, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, forgeerr.ErrConfigMissing(fmt.Sprintf("environment variable %s", cfg.APIKeyEnv))
	}

	clientCfg := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIAnalyzer{
		name:   cfg.Name,
		weight: cfg.Weight,
		model:  cfg.Model,
		client: openai.NewClientWithConfig(clientCfg),
		logger: logger,
	}, nil
}

func (a *OpenAIAnalyzer) Name() string    { return a.name }
func (a *OpenAIAnalyzer) Weight() float64 { return a.weight }

// Analyze runs one chat completion for the document. Temperature 0
// keeps repeated runs as stable as the provider allows.
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, doc Document, budgetHint float64) (Result, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: doc.Content},
		},
	})
	if err != nil {
		return Result{}, classifyAPIError(a.name, err)
	}

	cost := a.cost(resp.Usage)
	if len(resp.Choices) == 0 {
		return Result{Cost: cost}, fmt.Errorf("analyzer %s: empty response", a.name)
	}

	candidates, err := ParseCandidates(resp.Choices[0].Message.Content, a.name, a.weight, doc.ID)
	if err != nil {
		// The call was billed even though the output was unusable.
		return Result{Cost: cost}, fmt.Errorf("analyzer %s: %w", a.name, err)
	}

	a.logger.Debug("analyzed document",
		"analyzer", a.name, "document", doc.ID,
		"candidates", len(candidates), "cost", cost, "budget_hint", budgetHint)
	return Result{Candidates: candidates, Cost: cost}, nil
}

func (a *OpenAIAnalyzer) cost(usage openai.Usage) float64 {
	prompt, completion := fallbackPromptPrice, fallbackCompletionPrice
	if p, ok := modelPricing[a.model]; ok {
		prompt, completion = p[0], p[1]
	}
	return float64(usage.PromptTokens)/1000*prompt +
		float64(usage.CompletionTokens)/1000*completion
}

// classifyAPIError maps provider errors onto the transient error codes
// the recovery policy understands.
func classifyAPIError(name string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &forgeerr.ForgeError{
				Code:  forgeerr.CodeRateLimited,
				What:  fmt.Sprintf("analyzer %s was rate limited", name),
				Cause: err,
			}
		case apiErr.HTTPStatusCode == http.StatusRequestTimeout:
			return &forgeerr.ForgeError{
				Code:  forgeerr.CodeTimeout,
				What:  fmt.Sprintf("analyzer %s timed out", name),
				Cause: err,
			}
		case apiErr.HTTPStatusCode >= 500:
			return &forgeerr.ForgeError{
				Code:  forgeerr.CodeNetwork,
				What:  fmt.Sprintf("analyzer %s upstream error", name),
				Cause: err,
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &forgeerr.ForgeError{
			Code:  forgeerr.CodeTimeout,
			What:  fmt.Sprintf("analyzer %s timed out", name),
			Cause: err,
		}
	}
	return fmt.Errorf("analyzer %s: %w", name, err)
}

// ParseCandidates extracts recommendations from a model response.
// Models wrap JSON in code fences or prose more often than not, so the
// array is located leniently before strict field extraction.
func ParseCandidates(content, analyzerName string, weight float64, docID string) ([]resolve.Candidate, error) {
	arr := gjson.Parse(content)
	if !arr.IsArray() {
		start := strings.Index(content, "[")
		end := strings.LastIndex(content, "]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON array in response")
		}
		arr = gjson.Parse(content[start : end+1])
		if !arr.IsArray() {
			return nil, fmt.Errorf("no JSON array in response")
		}
	}

	var candidates []resolve.Candidate
	for _, item := range arr.Array() {
		title := strings.TrimSpace(item.Get("title").String())
		if title == "" {
			continue
		}
		candidates = append(candidates, resolve.Candidate{
			Analyzer: analyzerName,
			Weight:   weight,
			Title:    title,
			Body:     strings.TrimSpace(item.Get("body").String()),
			Document: docID,
		})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("response array had no usable entries")
	}
	return candidates, nil
}
