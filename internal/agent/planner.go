package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultGuidancePath  = "GUIDANCE.md"
	staticOracleMessage  = "No LLM is configured. Set WORKSPACEAI_ORACLE_API_KEY on the backend to enable planning."
)

var (
	ErrPlannerFailure     = errors.New("planner failure")
	ErrUnsupportedMode    = errors.New("unsupported planner mode")
	ErrInvalidModelOutput = errors.New("invalid model output")
)

// Mode selects the prompt and the response shape expected from the oracle.
type Mode string

const (
	ModePlan      Mode = "plan"
	ModeSummarize Mode = "summarize"
	ModeChat      Mode = "chat"
)

func (m Mode) Valid() bool {
	switch m {
	case ModePlan, ModeSummarize, ModeChat:
		return true
	default:
		return false
	}
}

// Oracle is the language model behind the planner. It returns the decoded
// JSON object for the given mode, or an error.
type Oracle interface {
	Complete(ctx context.Context, mode Mode, message string, items []ContextItem) (map[string]any, error)
}

type staticOracle struct{}

// NewStaticOracle answers every mode with a chat reply explaining that no
// model is configured.
func NewStaticOracle() Oracle {
	return staticOracle{}
}

func (staticOracle) Complete(_ context.Context, mode Mode, _ string, _ []ContextItem) (map[string]any, error) {
	switch mode {
	case ModePlan:
		return map[string]any{"intent": string(IntentChat), "message": staticOracleMessage}, nil
	case ModeSummarize, ModeChat:
		return map[string]any{"message": staticOracleMessage}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

type OpenAIOracleConfig struct {
	APIKey        string
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	HTTPClient    *http.Client
	UserAgent     string
	Guidance      string
	GuidancePath  string
}

// OpenAIOracle talks to an OpenAI-compatible chat completions endpoint in
// JSON object mode.
type OpenAIOracle struct {
	apiKey        string
	baseURL       string
	primaryModel  string
	fallbackModel string
	httpClient    *http.Client
	userAgent     string
	guidance      string
}

func NewOpenAIOracle(cfg OpenAIOracleConfig) (*OpenAIOracle, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(cfg.PrimaryModel) == "" {
		return nil, errors.New("primary model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	guidance := strings.TrimSpace(cfg.Guidance)
	if guidance == "" {
		path := strings.TrimSpace(cfg.GuidancePath)
		if path == "" {
			path = defaultGuidancePath
		}
		loaded, err := loadGuidanceFile(path)
		if err != nil {
			return nil, fmt.Errorf("read guidance prompt: %w", err)
		}
		guidance = loaded
	}

	return &OpenAIOracle{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		baseURL:       baseURL,
		primaryModel:  strings.TrimSpace(cfg.PrimaryModel),
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		httpClient:    cfg.HTTPClient,
		userAgent:     strings.TrimSpace(cfg.UserAgent),
		guidance:      guidance,
	}, nil
}

func (o *OpenAIOracle) Complete(ctx context.Context, mode Mode, message string, items []ContextItem) (map[string]any, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}

	prompt, err := promptForMode(mode, message, items)
	if err != nil {
		return nil, err
	}

	models := []string{o.primaryModel}
	if o.fallbackModel != "" && o.fallbackModel != o.primaryModel {
		models = append(models, o.fallbackModel)
	}

	var lastErr error
	for _, model := range models {
		result, err := o.completeWithModel(ctx, model, prompt, items, false)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrInvalidModelOutput) {
			result, repairErr := o.completeWithModel(ctx, model, prompt, items, true)
			if repairErr == nil {
				return result, nil
			}
			lastErr = repairErr
		}
	}

	if lastErr == nil {
		lastErr = ErrInvalidModelOutput
	}
	return nil, lastErr
}

func promptForMode(mode Mode, message string, items []ContextItem) (string, error) {
	switch mode {
	case ModePlan:
		return planningPrompt(message), nil
	case ModeSummarize:
		encoded, err := json.Marshal(encodeContextItems(items))
		if err != nil {
			return "", fmt.Errorf("encode summary context: %w", err)
		}
		return summaryPrompt(string(encoded)), nil
	case ModeChat:
		return chatPrompt(message), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatCompletionRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	ResponseFormat openAIResponseFormat `json:"response_format"`
	Temperature    float64              `json:"temperature"`
}

type openAIChatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAIOracle) completeWithModel(ctx context.Context, model, prompt string, items []ContextItem, repair bool) (map[string]any, error) {
	messages := []openAIMessage{{Role: "system", Content: systemPrompt}}
	if o.guidance != "" {
		messages = append(messages, openAIMessage{
			Role:    "system",
			Content: "Apply the following guidance for tone and phrasing while still obeying the rules above:\n" + o.guidance,
		})
	}
	for _, item := range encodeContextItems(items) {
		messages = append(messages, openAIMessage{Role: chatRole(item.Role), Content: item.Content})
	}
	if repair {
		messages = append(messages, openAIMessage{
			Role:    "system",
			Content: "Your previous response was not a valid JSON object. Reply with a single JSON object only.",
		})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(openAIChatCompletionRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: openAIResponseFormat{Type: "json_object"},
		Temperature:    0.2,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if o.userAgent != "" {
		httpReq.Header.Set("User-Agent", o.userAgent)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	var parsed openAIChatCompletionResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return nil, ErrInvalidModelOutput
	}
	return parseJSONObject(*parsed.Choices[0].Message.Content)
}

// parseJSONObject decodes model content into a JSON object, tolerating a
// Markdown code fence or leading prose around it.
func parseJSONObject(content string) (map[string]any, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrInvalidModelOutput
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil && out != nil {
		return out, nil
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object in content", ErrInvalidModelOutput)
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: content is not a JSON object", ErrInvalidModelOutput)
	}
	return out, nil
}

func chatRole(role Role) string {
	switch role {
	case RoleUser:
		return "user"
	default:
		// Tool results are replayed as assistant turns; the chat API only
		// accepts "tool" messages that answer a native tool call.
		return "assistant"
	}
}

func loadGuidanceFile(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(contents)), nil
}
