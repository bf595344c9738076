// Package aiclient talks to an OpenAI-compatible API to write stories about
// drawings and to render enhanced illustrations.
package aiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/pipeline"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultChatModel  = "gpt-4o"
	DefaultImageModel = "dall-e-3"
	DefaultImageSize  = "1024x1024"

	chatCompletionsPath  = "/chat/completions"
	imageGenerationsPath = "/images/generations"
	defaultHTTPTimeout   = 120 * time.Second
	maxErrorBodyBytes    = 4096
)

// ErrEmptyResponse reports a well-formed reply that carried no content.
var ErrEmptyResponse = errors.New("aiclient: empty response")

// Config selects the endpoint and models.
type Config struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	ImageModel string
	ImageSize  string
}

// Client implements pipeline.StoryGenerator and pipeline.Enhancer.
type Client struct {
	apiKey     string
	baseURL    string
	chatModel  string
	imageModel string
	imageSize  string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// New validates config and returns a Client.
func New(config Config, options ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, errors.New("aiclient: api key is required")
	}
	client := &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(valueOrDefault(config.BaseURL, DefaultBaseURL), "/"),
		chatModel:  valueOrDefault(config.ChatModel, DefaultChatModel),
		imageModel: valueOrDefault(config.ImageModel, DefaultImageModel),
		imageSize:  valueOrDefault(config.ImageSize, DefaultImageSize),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Generate writes a bedtime story inspired by the drawing.
func (client *Client) Generate(ctx context.Context, image pipeline.Image, hint string) (string, error) {
	story, err := client.describe(ctx, image, StoryPrompt(hint))
	if err != nil {
		return "", fmt.Errorf("aiclient: generate story: %w", err)
	}
	return story, nil
}

// Caption describes the drawing following prompt.
func (client *Client) Caption(ctx context.Context, image pipeline.Image, prompt string) (string, error) {
	caption, err := client.describe(ctx, image, prompt)
	if err != nil {
		return "", fmt.Errorf("aiclient: caption: %w", err)
	}
	return caption, nil
}

// Render draws description and returns the image bytes.
func (client *Client) Render(ctx context.Context, description string) ([]byte, error) {
	request := imageRequest{
		Model:          client.imageModel,
		Prompt:         description,
		N:              1,
		Size:           client.imageSize,
		ResponseFormat: "b64_json",
	}
	var response imageResponse
	if err := client.post(ctx, imageGenerationsPath, request, &response); err != nil {
		return nil, fmt.Errorf("aiclient: render: %w", err)
	}
	if len(response.Data) == 0 || response.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("aiclient: render: %w", ErrEmptyResponse)
	}
	data, err := base64.StdEncoding.DecodeString(response.Data[0].B64JSON)
	if err != nil {
		return nil, pipeline.NonRetryable(fmt.Errorf("aiclient: decode image: %w", err))
	}
	return data, nil
}

func (client *Client) describe(ctx context.Context, image pipeline.Image, prompt string) (string, error) {
	contentType := image.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(image.Data)
	}
	request := chatRequest{
		Model: client.chatModel,
		Messages: []chatMessage{{
			Role: "user",
			Content: []chatContent{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &chatImageURL{
					URL: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(image.Data),
				}},
			},
		}},
	}
	var response chatResponse
	if err := client.post(ctx, chatCompletionsPath, request, &response); err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return response.Choices[0].Message.Content, nil
}

func (client *Client) post(ctx context.Context, path string, payload any, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return pipeline.NonRetryable(fmt.Errorf("marshal request: %w", err))
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return pipeline.NonRetryable(fmt.Errorf("build request: %w", err))
	}
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	request.Header.Set("Content-Type", "application/json")

	started := time.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer response.Body.Close()
	client.logger.Debug("ai api call",
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	if response.StatusCode != http.StatusOK {
		return statusError(response)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// APIError is a non-200 reply from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (apiError *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", apiError.StatusCode, apiError.Message)
}

// statusError converts a failed reply. Client errors other than 429 are not retried.
func statusError(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(raw))
	var payload errorResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}
	apiError := &APIError{StatusCode: response.StatusCode, Message: message}
	if response.StatusCode >= 400 && response.StatusCode < 500 && response.StatusCode != http.StatusTooManyRequests {
		return pipeline.NonRetryable(apiError)
	}
	return apiError
}

func valueOrDefault(value string, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
