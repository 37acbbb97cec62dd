// Package testgen wraps an OpenAI-compatible chat completions API to
// generate test cases for a described endpoint or function. Transient
// failures (429 and 5xx) are retried with capped exponential backoff;
// in-flight requests are cancellable through the context.
package testgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrEmptyCompletion is returned when the API responds without any choices.
var ErrEmptyCompletion = errors.New("empty completion")

const systemPrompt = `You are a test case generator. Given a description of an API endpoint or function, produce a concise list of test cases covering the happy path, validation errors, and boundary conditions. Answer with one test case per line.`

type Client struct {
	baseURL    string
	model      string
	apiKey     string
	maxRetries uint64
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBackOff overrides the retry policy. Used in tests.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

func NewClient(baseURL, model, apiKey string, maxRetries uint64, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		model:      model,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateTestCases asks the model for test cases covering the described
// behavior and returns the raw completion text.
func (c *Client) GenerateTestCases(ctx context.Context, description string) (string, error) {
	const op = "testgen.Client.GenerateTestCases"

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: description},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)

	content, err := backoff.RetryWithData(func() (string, error) {
		return c.complete(ctx, body)
	}, b)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return content, nil
}

func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck

		err := fmt.Errorf("unexpected status: %s", resp.Status)
		if retryable(resp.StatusCode) {
			return "", err
		}

		return "", backoff.Permanent(err)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}

	if len(completion.Choices) == 0 {
		return "", backoff.Permanent(ErrEmptyCompletion)
	}

	return completion.Choices[0].Message.Content, nil
}

func retryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError
}
