package correct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/tiroq/memoscribe/internal/diaglog"
)

// chatClient is the subset of *openai.Client used here.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI corrects and summarizes through a chat-completion model.
type OpenAI struct {
	client chatClient
	model  string
	log    diaglog.Scope
}

// NewOpenAI creates a processor for the given API key. An empty model selects
// gpt-4o-mini; an empty baseURL keeps the public endpoint.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	o := &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
	o.log.Component = diaglog.ComponentCorrector
	return o
}

// SetLogger injects a diaglog.Logger.
func (o *OpenAI) SetLogger(l *diaglog.Logger) { o.log.Set(l) }

// Name identifies the processor in logs.
func (o *OpenAI) Name() string { return "openai" }

type cleanedTranscript struct {
	CleanedText string `json:"cleaned_text"`
	Summary     string `json:"summary"`
}

const systemPrompt = `You clean up speech-recognition transcripts.
Fix punctuation, capitalization, obvious mis-hearings and split the text into paragraphs.
Do not add, remove or reinterpret content. Keep the speaker's language and register.
Respond with a JSON object: {"cleaned_text": "...", "summary": "..."}.
The summary is two or three sentences in the transcript's language.`

// Process sends raw to the model and parses its JSON answer.
func (o *OpenAI) Process(ctx context.Context, raw, language string) (Result, error) {
	user := fmt.Sprintf("Transcript:\n\"\"\"\n%s\n\"\"\"", raw)
	if language != "" && language != "auto" {
		user = fmt.Sprintf("Language: %s\n\n%s", language, user)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("chat completion returned no choices")
	}

	content := resp.Choices[0].Message.Content
	o.log.Log(diaglog.LogEntry{
		Event: diaglog.EventCorrectionRequest,
		Payload: map[string]interface{}{
			"processor":         o.Name(),
			"model":             o.model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	})

	var out cleanedTranscript
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		if err := json.Unmarshal([]byte(extractJSONFromMarkdown(content)), &out); err != nil {
			return Result{}, fmt.Errorf("parse model response: %w", err)
		}
	}
	return Result{Text: strings.TrimSpace(out.CleanedText), Summary: strings.TrimSpace(out.Summary)}, nil
}

// extractJSONFromMarkdown strips a ``` or ```json fence around content.
func extractJSONFromMarkdown(content string) string {
	content = strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(content, "```json"):
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
	case strings.HasPrefix(content, "```"):
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
