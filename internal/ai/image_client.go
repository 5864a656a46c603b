package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrImageGenerationFailed wraps any image generation failure.
var ErrImageGenerationFailed = errors.New("image generation failed")

// ImageGenerator produces a scene illustration for a prompt.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

type httpImageClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ ImageGenerator = (*httpImageClient)(nil)

// NewHTTPImageClient builds an ImageGenerator over a diffusion server that
// accepts a JSON prompt on POST /generate and replies with raw PNG bytes.
func NewHTTPImageClient(baseURL string, timeout time.Duration, logger *zap.Logger) ImageGenerator {
	return &httpImageClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("ImageClient"),
	}
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

func (c *httpImageClient) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	body, err := json.Marshal(imageRequest{Prompt: prompt, Ratio: "16:9"})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Error("Image server request failed", zap.Duration("duration", duration), zap.Error(err))
		imageRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("Image server returned non-OK status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", snippet))
		imageRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: status %d", ErrImageGenerationFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		imageRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: reading response: %v", ErrImageGenerationFailed, err)
	}
	if len(data) == 0 {
		imageRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: empty image response", ErrImageGenerationFailed)
	}

	imageRequestsTotal.WithLabelValues("success").Inc()
	imageRequestDuration.Observe(duration.Seconds())
	c.logger.Debug("Image generated", zap.Duration("duration", duration), zap.Int("bytes", len(data)))
	return data, nil
}
