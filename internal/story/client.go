// Package story turns a picture into a short story or poem through a remote
// chat-completion service. Every failure is reported as a Result so callers
// always have something to show.
package story

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/storyteller/internal/config"
	"github.com/loqalabs/storyteller/internal/credential"
	"github.com/loqalabs/storyteller/internal/imagecodec"
)

// maxErrorBody caps how much of a rejected response is kept for the message.
const maxErrorBody = 4096

type Client struct {
	cfg        config.StoryConfig
	cred       credential.Credential
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg config.StoryConfig, cred credential.Credential, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		cred:       cred,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:     logger.With(slog.String("component", "story")),
	}
}

// Generate encodes img and asks for a story. It makes at most one request to
// the remote service.
func (c *Client) Generate(ctx context.Context, img image.Image) Result {
	if !c.cred.Valid() {
		return c.unconfigured()
	}
	encoded, err := imagecodec.Encode(img)
	if err != nil {
		c.logger.Error("failed to encode image", slog.String("error", err.Error()))
		return Result{Kind: KindEncode, Detail: err.Error()}
	}
	return c.request(ctx, encoded)
}

// GenerateEncoded is Generate for a picture that is already encoded.
func (c *Client) GenerateEncoded(ctx context.Context, img imagecodec.Encoded) Result {
	if !c.cred.Valid() {
		return c.unconfigured()
	}
	return c.request(ctx, img)
}

func (c *Client) unconfigured() Result {
	c.logger.Warn("skipping story request; api key not configured")
	return Result{Kind: KindUnconfigured}
}

func (c *Client) request(ctx context.Context, img imagecodec.Encoded) Result {
	body, err := json.Marshal(c.buildRequest(img))
	if err != nil {
		return Result{Kind: KindEncode, Detail: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: KindTransport, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cred.BearerHeader())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("story request failed", slog.String("error", err.Error()))
		return Result{Kind: KindTransport, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("story request rejected",
			slog.Int("status", resp.StatusCode),
			slog.Duration("elapsed", time.Since(start)),
		)
		return Result{Kind: KindRejected, StatusCode: resp.StatusCode, Detail: string(detail)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("failed to read story response", slog.String("error", err.Error()))
		return Result{Kind: KindTransport, Detail: err.Error()}
	}

	var parsed openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Error("failed to decode story response", slog.String("error", err.Error()))
		return Result{Kind: KindMalformed, StatusCode: resp.StatusCode, Detail: err.Error()}
	}
	if len(parsed.Choices) == 0 {
		c.logger.Error("story response has no choices")
		return Result{Kind: KindMalformed, StatusCode: resp.StatusCode, Detail: "response contained no choices"}
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		c.logger.Error("story response has no content")
		return Result{Kind: KindMalformed, StatusCode: resp.StatusCode, Detail: "response contained no content"}
	}
	c.logger.Info("story generated",
		slog.Int("chars", len(text)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return Result{Kind: KindStory, Text: text, StatusCode: resp.StatusCode}
}

func (c *Client) buildRequest(img imagecodec.Encoded) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: c.cfg.SystemPrompt,
			},
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{
						Type: openai.ChatMessagePartTypeText,
						Text: c.cfg.UserPrompt,
					},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: img.DataURI()},
					},
				},
			},
		},
	}
}

