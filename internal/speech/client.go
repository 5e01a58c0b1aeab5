// Package speech narrates text through a remote speech-synthesis service and
// stores the result as an audio file. A file always exists at the returned
// path; when synthesis fails it holds a one-byte placeholder.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loqalabs/storyteller/internal/artifact"
	"github.com/loqalabs/storyteller/internal/config"
	"github.com/loqalabs/storyteller/internal/credential"
)

var (
	ErrUnconfigured = errors.New("speech: api key not configured")
	ErrTransport    = errors.New("speech: transport failure")
	ErrRejected     = errors.New("speech: request rejected")
)

const maxErrorBody = 4096

// Artifact describes the audio file produced for one request.
type Artifact struct {
	artifact.File
	Bytes       int64
	Placeholder bool
	// Cause is set when Placeholder is true.
	Cause error
}

type Client struct {
	cfg        config.SpeechConfig
	cred       credential.Credential
	store      *artifact.Store
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg config.SpeechConfig, cred credential.Credential, store *artifact.Store, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	return &Client{
		cfg:        cfg,
		cred:       cred,
		store:      store,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:     logger.With(slog.String("component", "speech")),
	}
}

// Synthesize converts text to audio. The returned error is non-nil only when
// not even the placeholder could be written.
func (c *Client) Synthesize(ctx context.Context, text string) (Artifact, error) {
	file := c.store.NextAudio()

	if !c.cred.Valid() {
		c.logger.Warn("skipping speech request; api key not configured", slog.String("file", file.Name))
		return c.fallback(file, ErrUnconfigured)
	}

	written, err := c.fetch(ctx, text, file)
	if err != nil {
		c.logger.Error("speech synthesis failed",
			slog.String("file", file.Name),
			slog.String("error", err.Error()),
		)
		if rmErr := c.store.Remove(file); rmErr != nil {
			c.logger.Warn("failed to remove partial audio", slog.String("error", rmErr.Error()))
		}
		return c.fallback(file, err)
	}

	c.logger.Info("audio synthesized",
		slog.String("file", file.Name),
		slog.Int64("bytes", written),
	)
	return Artifact{File: file, Bytes: written}, nil
}

func (c *Client) fetch(ctx context.Context, text string, file artifact.File) (int64, error) {
	payload := openai.CreateSpeechRequest{
		Model: openai.SpeechModel(c.cfg.Model),
		Input: text,
		Voice: openai.SpeechVoice(c.cfg.Voice),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.cred.BearerHeader())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: string(detail)}
	}

	out, err := c.store.Create(file)
	if err != nil {
		return 0, err
	}
	written, err := copyChunks(out, resp.Body, c.cfg.ChunkSize)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return written, nil
}

func (c *Client) fallback(file artifact.File, cause error) (Artifact, error) {
	if err := c.store.WritePlaceholder(file); err != nil {
		return Artifact{}, fmt.Errorf("synthesize: %w", err)
	}
	return Artifact{
		File:        file,
		Bytes:       int64(len(artifact.Placeholder)),
		Placeholder: true,
		Cause:       cause,
	}, nil
}

// copyChunks streams src into dst in reads of at most size bytes. Empty reads
// are skipped.
func copyChunks(dst io.Writer, src io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
