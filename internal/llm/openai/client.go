package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
	"github.com/extractable/extractable/internal/llm"
)

// Generate implements llm.Generator. It estimates the request's token cost,
// sleeps the limiter's advised wait, re-validates the budget, then calls the
// provider with bounded retries on provider-reported rate limits. Usage is
// recorded only after a successful call.
func (c *Client) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	rid := uuid.New().String()
	start := time.Now()
	model := c.modelFor(req.Complexity)
	tokens := c.estimate(len(req.Prompt), len(req.Images))

	c.log.Info("llm.generate.start",
		"req_id", rid,
		"user_id", req.UserID,
		"model", model,
		"prompt_len", len(req.Prompt),
		"images", len(req.Images),
		"est_tokens", tokens,
	)

	if wait := c.limiter.WaitTime(req.UserID, tokens); wait > 0 {
		c.log.Warn("llm.generate.budget_wait", "req_id", rid, "user_id", req.UserID, "wait", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return llm.Response{}, err
		}
	}
	// The wait is advisory; the budget must hold at call time.
	if !c.limiter.Check(req.UserID, tokens) {
		c.log.Warn("llm.generate.budget_exceeded", "req_id", rid, "user_id", req.UserID)
		return llm.Response{}, fmt.Errorf("user %d: %w", req.UserID, common.ErrRateLimited)
	}

	raw, text, err := c.callWithRetry(ctx, rid, model, req)
	if err != nil {
		c.log.Error("llm.generate.failed",
			"req_id", rid, "error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Response{}, err
	}

	c.limiter.Record(req.UserID, tokens)
	c.log.Info("llm.generate.ok",
		"req_id", rid,
		"text_len", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return llm.Response{Text: text, Raw: raw}, nil
}

func (c *Client) modelFor(tier constants.Complexity) string {
	switch tier {
	case constants.ComplexitySimple:
		return c.cfg.SimpleModel
	case constants.ComplexityComplex:
		return c.cfg.ComplexModel
	default:
		return c.cfg.RegularModel
	}
}

// callWithRetry retries only provider rate-limit responses, with randomized
// exponential backoff between cfg.BackoffMin and cfg.BackoffMax. Any other
// provider error propagates immediately.
func (c *Client) callWithRetry(ctx context.Context, rid, model string, req llm.Request) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.log.Warn("llm.generate.retry",
				"req_id", rid, "attempt", attempt, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, "", err
			}
		}

		raw, text, err := c.call(ctx, model, req)
		if err == nil {
			return raw, text, nil
		}
		if !isProviderRateLimit(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w: %d attempts: %v", common.ErrProviderTransient, c.cfg.MaxRetries, lastErr)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BackoffMin << (attempt - 1)
	if d > c.cfg.BackoffMax || d <= 0 {
		d = c.cfg.BackoffMax
	}
	// Full jitter keeps concurrent retries from synchronizing.
	return time.Duration(rand.Int64N(int64(d))) + c.cfg.BackoffMin/2
}

type providerError struct {
	status int
	body   string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.status, e.body)
}

func isProviderRateLimit(err error) bool {
	var pe *providerError
	return errors.As(err, &pe) && pe.status == http.StatusTooManyRequests
}

// call performs one chat/completions request with the prompt and any page
// images attached as data URLs.
func (c *Client) call(ctx context.Context, model string, req llm.Request) (raw []byte, text string, err error) {
	content := []map[string]any{
		{"type": "text", "text": req.Prompt},
	}
	for _, img := range req.Images {
		content = append(content, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": dataURL(img),
			},
		})
	}

	body := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err = c.post(ctx, endpoint, body)
	if err != nil {
		return nil, "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return raw, "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return raw, "", fmt.Errorf("no choices in openai response")
	}
	return raw, strings.TrimSpace(cc.Choices[0].Message.Content), nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai http error: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("openai response body close error", "error", cerr)
		}
	}()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &providerError{status: resp.StatusCode, body: buf.String()}
	}
	return buf.Bytes(), nil
}

// dataURL encodes image bytes as a base64 data URL with the MIME type
// sniffed from magic bytes.
func dataURL(img []byte) string {
	return "data:" + detectImageMIME(img) + ";base64," + base64.StdEncoding.EncodeToString(img)
}

// detectImageMIME sniffs PNG, JPEG, WEBP, and GIF magic bytes, the formats
// the provider accepts. Defaults to image/png.
func detectImageMIME(img []byte) string {
	switch {
	case len(img) >= 2 && img[0] == 0xff && img[1] == 0xd8:
		return "image/jpeg"
	case len(img) >= 8 && bytes.Equal(img[:8], []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case len(img) >= 12 && bytes.Equal(img[:4], []byte("RIFF")) && bytes.Equal(img[8:12], []byte("WEBP")):
		return "image/webp"
	case len(img) >= 6 && (bytes.Equal(img[:6], []byte("GIF87a")) || bytes.Equal(img[:6], []byte("GIF89a"))):
		return "image/gif"
	default:
		return "image/png"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
