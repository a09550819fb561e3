package llm

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a minimal chat message used by the matcher and report
// generator.  Role must be one of: "system", "user", or "assistant".
type Message struct {
	Role    string
	Content string
}

// Client defines the methods required by the doctor matcher and the report
// generator.  Summarize asks the model for a single JSON object.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	Summarize(ctx context.Context, instruction, prompt string) (string, error)
}

// ErrNotConfigured is returned when no API key was supplied.
var ErrNotConfigured = errors.New("openai client not initialized")

// OpenAIClient calls the OpenAI API for triage and report responses.
type OpenAIClient struct {
	client      *openai.Client
	chatModel   string
	reportModel string
}

// NewOpenAIClient constructs an OpenAI-backed LLM client.  Empty model names
// fall back to gpt-4o-mini; the report model defaults to the chat model.
func NewOpenAIClient(apiKey, chatModel, reportModel string) *OpenAIClient {
	var c *openai.Client
	if apiKey != "" {
		c = openai.NewClient(apiKey)
	}
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	if reportModel == "" {
		reportModel = chatModel
	}
	return &OpenAIClient{
		client:      c,
		chatModel:   chatModel,
		reportModel: reportModel,
	}
}

// Chat sends the message history to the chat completion API and returns the
// assistant's response.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if c.client == nil {
		return "", ErrNotConfigured
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role != openai.ChatMessageRoleSystem && role != openai.ChatMessageRoleUser && role != openai.ChatMessageRoleAssistant {
			// coerce anything unknown to user
			role = openai.ChatMessageRoleUser
		}
		oaMsgs = append(oaMsgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    oaMsgs,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Summarize runs instruction as the system prompt over prompt and requests a
// JSON object back.
func (c *OpenAIClient) Summarize(ctx context.Context, instruction, prompt string) (string, error) {
	if c.client == nil {
		return "", ErrNotConfigured
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.reportModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// CleanJSON strips the markdown code fences models like to wrap JSON in.
func CleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}
