// Package genai provides coaching text generation using the OpenAI API.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrNoChoicesReturned is returned when the completion has no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// Defaults used when options are not provided.
const (
	DefaultModel       = string(openai.ChatModelGPT4oMini)
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 300
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service for generating coaching text.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAPIKey overrides the API key from the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebug writes every request and response to stateDir/debug.
func WithDebug(stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = true
		o.StateDir = stateDir
	}
}

// NewClient initializes a new GenAI client. The API key comes from options,
// falling back to the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	o := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&o)
	}
	if o.APIKey == "" {
		o.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if o.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(o.APIKey))
	slog.Debug("genai.NewClient: created", "model", o.Model, "debug", o.DebugMode)
	return &Client{
		chat:        completions{svc: &cli.Chat.Completions},
		model:       o.Model,
		temperature: o.Temperature,
		maxTokens:   o.MaxTokens,
		debugMode:   o.DebugMode,
		stateDir:    o.StateDir,
	}, nil
}

// GeneratePromptWithContext generates a response for a system and user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}

	resp, err := c.chat.Create(ctx, params)
	c.debugLog("GeneratePromptWithContext", params, resp, err)
	if err != nil {
		slog.Error("genai.GeneratePromptWithContext: completion failed", "error", err)
		return "", fmt.Errorf("genai: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Generate produces nudge, Morning Anchor or chat text for the pipeline.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (string, error) {
	system, user := buildPrompts(req)
	slog.Debug("genai.Generate", "userID", req.UserID, "kind", req.Kind)
	return c.GeneratePromptWithContext(ctx, system, user)
}

const (
	nudgeSystemPrompt = "You are a warm, concise wellness coach. Write one short message (at most two sentences) " +
		"inviting the user to do the given protocol today. Do not give medical advice or diagnoses. " +
		"Match your intensity to the user's recovery zone: gentle when red, encouraging when green."
	morningAnchorSystemPrompt = "You are a warm, concise wellness coach greeting the user just after they woke up. " +
		"Write one short message (at most two sentences) suggesting the given protocol as an easy way to start the day. " +
		"Do not give medical advice or diagnoses. Be gentle when the recovery zone is red."
	chatSystemPrompt = "You are a warm, concise wellness coach. Answer the user's message in at most four sentences. " +
		"Do not give medical advice or diagnoses, and suggest a professional for anything medical."
)

func buildPrompts(req models.GenerationRequest) (string, string) {
	if req.Kind == models.GenerationChat {
		return chatSystemPrompt, req.UserMessage
	}
	var b strings.Builder
	if req.Candidate != nil {
		name := req.Candidate.ProtocolName
		if name == "" {
			name = req.Candidate.ProtocolID
		}
		fmt.Fprintf(&b, "Protocol: %s\n", name)
		if req.Candidate.Category != "" {
			fmt.Fprintf(&b, "Category: %s\n", req.Candidate.Category)
		}
	}
	if req.Zone != "" {
		fmt.Fprintf(&b, "Recovery zone: %s\n", req.Zone)
	}
	if req.MVDType != models.MVDTypeNone {
		fmt.Fprintf(&b, "Minimum Viable Day: %s (keep it very easy)\n", req.MVDType)
	}
	if req.Kind == models.GenerationMorningAnchor {
		return morningAnchorSystemPrompt, b.String()
	}
	return nudgeSystemPrompt, b.String()
}

type debugEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Method    string      `json:"method"`
	Model     string      `json:"model"`
	Params    interface{} `json:"params"`
	Response  interface{} `json:"response"`
	Error     string      `json:"error,omitempty"`
}

func (c *Client) debugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("genai.debugLog: cannot create debug dir", "error", err)
		return
	}
	entry := debugEntry{Timestamp: time.Now().UTC(), Method: method, Model: c.model, Params: params, Response: resp}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.debugLog: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", method, entry.Timestamp.UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("genai.debugLog: write failed", "error", err)
	}
}
