package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"dashscope-proxy/domain/chat"
	"dashscope-proxy/domain/reasoning"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// UsageRecorder receives usage observations off the request path
type UsageRecorder interface {
	Record(model string, usage chat.Usage, streaming bool)
}

// Service orchestrates chat use cases: it validates requests, drives the
// upstream provider, and splices reasoning markers into streamed output so
// downstream consumers see one annotated transcript.
type Service struct {
	provider chat.ProviderPort
	stream   chat.StreamProviderPort[chat.StreamChunk]
	recorder UsageRecorder
	cache    *lru.Cache[string, *chat.Response]
}

func NewService(provider chat.ProviderPort, stream chat.StreamProviderPort[chat.StreamChunk], recorder UsageRecorder, cacheSize int) (*Service, error) {
	s := &Service{
		provider: provider,
		stream:   stream,
		recorder: recorder,
	}

	if cacheSize > 0 {
		cache, err := lru.New[string, *chat.Response](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create response cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// NewServiceWithoutCache creates a service with no response cache and no
// usage recording
func NewServiceWithoutCache(provider chat.ProviderPort, stream chat.StreamProviderPort[chat.StreamChunk]) *Service {
	return &Service{
		provider: provider,
		stream:   stream,
	}
}

func validateRequest(req *chat.Request) error {
	if len(req.Messages) == 0 {
		return errors.New("messages cannot be empty")
	}

	const maxMessages = 100
	if len(req.Messages) > maxMessages {
		return fmt.Errorf("too many messages: %d (max %d)", len(req.Messages), maxMessages)
	}

	for i, msg := range req.Messages {
		if msg.Role == "" {
			return fmt.Errorf("message %d: role cannot be empty", i)
		}
		if msg.Content == "" {
			return fmt.Errorf("message %d: content cannot be empty", i)
		}
		const maxContentLength = 50000
		if len(msg.Content) > maxContentLength {
			return fmt.Errorf("message %d: content too long (%d chars, max %d)", i, len(msg.Content), maxContentLength)
		}
		if msg.Role != "user" && msg.Role != "assistant" && msg.Role != "system" {
			return fmt.Errorf("message %d: invalid role '%s' (must be user, assistant, or system)", i, msg.Role)
		}
	}

	return nil
}

// cloneResponse copies a response deeply enough that callers mutating one
// copy cannot reach the other through the shared choices slice.
func cloneResponse(resp *chat.Response) *chat.Response {
	out := *resp
	out.Choices = make([]chat.Choice, len(resp.Choices))
	copy(out.Choices, resp.Choices)
	return &out
}

// cacheKey derives a stable key from the model and the full message list
func cacheKey(req *chat.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	for _, msg := range req.Messages {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Service) Chat(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.Stream {
		return nil, errors.New("use Stream for streaming requests")
	}

	var key string
	if s.cache != nil {
		key = cacheKey(req)
		if resp, ok := s.cache.Get(key); ok {
			logrus.WithField("model", resp.Model).Debug("Response cache hit")
			return cloneResponse(resp), nil
		}
	}

	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	// Fold message-level reasoning into the content so non-streaming
	// consumers see the same annotated transcript as streaming ones.
	for i := range resp.Choices {
		msg := &resp.Choices[i].Message
		if msg.ReasoningContent != "" {
			msg.Content = reasoning.Annotate(msg.ReasoningContent, msg.Content)
			msg.ReasoningContent = ""
		}
	}

	if s.recorder != nil {
		s.recorder.Record(resp.Model, resp.Usage, false)
	}

	if s.cache != nil {
		s.cache.Add(key, cloneResponse(resp))
	}

	return resp, nil
}

// Stream drives the provider stream through a per-request tagger. Every
// content-bearing delta becomes one or two downstream chunks whose content
// carries the marker-annotated text. Usage-only terminal chunks are logged
// and recorded but never forwarded.
func (s *Service) Stream(ctx context.Context, req *chat.Request, onChunk chat.StreamHandler[chat.StreamChunk]) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if !req.Stream {
		return errors.New("set stream=true for streaming")
	}

	tagger := reasoning.NewTagger()
	startTime := time.Now()
	model := "unknown"

	err := s.stream.Stream(ctx, req, func(chunk chat.StreamChunk) error {
		if chunk.Model != "" && model == "unknown" {
			model = chunk.Model
		}

		if len(chunk.Choices) == 0 {
			// Terminal usage-only chunk: a side observation, not output.
			if chunk.Usage != nil {
				logrus.WithFields(logrus.Fields{
					"model":             model,
					"prompt_tokens":     chunk.Usage.PromptTokens,
					"completion_tokens": chunk.Usage.CompletionTokens,
					"total_tokens":      chunk.Usage.TotalTokens,
				}).Info("Stream usage")
				if s.recorder != nil {
					s.recorder.Record(model, *chunk.Usage, true)
				}
			}
			return nil
		}

		choice := chunk.Choices[0]
		events := tagger.Process(reasoning.Delta{
			Reasoning: choice.Delta.ReasoningContent,
			Answer:    choice.Delta.Content,
		})

		for _, ev := range events {
			out := chunk
			out.Choices = []chat.StreamChoice{{
				Index: choice.Index,
				Delta: chat.StreamDelta{
					Role:    choice.Delta.Role,
					Content: ev.Text,
				},
				FinishReason: choice.FinishReason,
			}}
			if err := onChunk(out); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		// Text already relayed stays valid; the failure just ends the stream.
		return err
	}

	logrus.WithFields(logrus.Fields{
		"model":           model,
		"phase":           tagger.Phase().String(),
		"reasoning_chars": len(tagger.Reasoning()),
		"answer_chars":    len(tagger.Answer()),
		"duration":        time.Since(startTime),
	}).Debug("Stream finished")

	return nil
}
