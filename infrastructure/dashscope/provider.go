package dashscope

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	appchat "dashscope-proxy/domain/chat"

	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the DashScope OpenAI-compatible endpoint.
const DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// DefaultModel is a reasoning-capable model served by DashScope.
const DefaultModel = "deepseek-r1"

type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	rng          *rand.Rand
	rngMutex     sync.Mutex
}

func NewProvider(apiKey, baseURL, defaultModel string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if defaultModel == "" {
		defaultModel = DefaultModel
	}

	// Configure HTTP client with connection pooling
	transport := &http.Transport{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    false,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Provider{
		apiKey:       apiKey,
		baseURL:      baseURL,
		defaultModel: defaultModel,
		httpClient: &http.Client{
			// Reasoning models can spend minutes thinking before the first token
			Timeout:   300 * time.Second,
			Transport: transport,
		},
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// resolveModel returns the request's model if set, otherwise the configured default
func (p *Provider) resolveModel(req *appchat.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []appchat.Message `json:"messages"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
}

func (p *Provider) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	hreq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return hreq, nil
}

func (p *Provider) Chat(ctx context.Context, req *appchat.Request) (*appchat.Response, error) {
	return p.chatWithRetry(ctx, req, 3)
}

func (p *Provider) chatWithRetry(ctx context.Context, req *appchat.Request, maxRetries int) (*appchat.Response, error) {
	var lastErr error

	model := p.resolveModel(req)

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s
			base := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			// Add simple jitter of up to 250ms
			p.rngMutex.Lock()
			jitter := time.Duration(p.rng.Intn(250)) * time.Millisecond
			p.rngMutex.Unlock()
			backoff := base + jitter
			logrus.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff,
			}).Info("Retrying API call after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		jsonData, err := json.Marshal(apiChatRequest{
			Model:    model,
			Messages: req.Messages,
			Stream:   false,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}

		hreq, err := p.newRequest(ctx, jsonData)
		if err != nil {
			return nil, err
		}

		resp, err := p.httpClient.Do(hreq)
		if err != nil {
			lastErr = fmt.Errorf("do: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("read: %w", err)
			continue
		}

		// Retry on server errors (5xx) or rate limiting (429)
		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			resp.Body.Close()
			lastErr = fmt.Errorf("dashscope api error: status %d, model %s: %s", resp.StatusCode, model, string(body))
			logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": model, "attempt": attempt + 1}).Warn("Retryable API error")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			// Non-retryable error
			logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": model}).Error("DashScope API error")
			resp.Body.Close()
			return nil, fmt.Errorf("dashscope api error: status %d, model %s: %s", resp.StatusCode, model, string(body))
		}

		var out appchat.Response
		if err := json.Unmarshal(body, &out); err != nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("unmarshal: %w", err)
			continue
		}

		resp.Body.Close()
		return &out, nil
	}

	return nil, fmt.Errorf("api call failed after %d attempts: %w", maxRetries, lastErr)
}

// Stream sends a streaming chat completion and relays each decoded chunk to
// onChunk in arrival order. stream_options.include_usage makes DashScope
// append one terminal usage-only chunk before [DONE].
func (p *Provider) Stream(ctx context.Context, req *appchat.Request, onChunk appchat.StreamHandler[appchat.StreamChunk]) error {
	model := p.resolveModel(req)

	jsonData, err := json.Marshal(apiChatRequest{
		Model:         model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	hreq, err := p.newRequest(ctx, jsonData)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(hreq)
	if err != nil {
		return fmt.Errorf("do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logrus.WithFields(logrus.Fields{"status": resp.StatusCode, "body": string(body), "model": model}).Error("DashScope streaming API error")
		return fmt.Errorf("dashscope streaming api error: status %d, model %s: %s", resp.StatusCode, model, string(body))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("stream read: %w", err)
		}
		if len(line) < 6 || string(line[:6]) != "data: " {
			continue
		}
		payload := bytes.TrimSpace(line[6:])
		if bytes.Equal(payload, []byte("[DONE]")) {
			return nil
		}
		var chunk appchat.StreamChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			logrus.WithFields(logrus.Fields{"payload": string(payload), "model": model}).Error("Failed to decode streaming chunk")
			return fmt.Errorf("decode chunk for model %s: %w", model, err)
		}
		if err := onChunk(chunk); err != nil {
			return err
		}
	}
}
