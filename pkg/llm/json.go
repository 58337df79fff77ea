package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snirego/feedbackd/pkg/jsonrepair"
)

// JSONRequest carries the parameters for a structured-JSON completion.
type JSONRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    int

	// MaxRetries is the number of corrective round-trips after the first
	// reply fails to parse or validate. The default is one.
	MaxRetries int
}

// JSONResult is a validated structured completion.
type JSONResult[T any] struct {
	Data T

	// RawContent is the assistant reply the data was parsed from.
	RawContent string

	// Repaired is true when the reply only parsed after repair.
	Repaired bool
}

// correctiveMessage is appended after a malformed reply, together with the
// reply itself, so the model sees exactly what it produced.
const correctiveMessage = "Your previous reply was not valid JSON matching the required schema. " +
	"Respond again with ONLY the corrected JSON object. No prose, no code fences."

// CompleteJSON performs a chat completion whose reply must parse into T and
// pass validate. A reply that fails to parse goes through repair; if it
// still fails, the bad reply plus a corrective user message are appended
// and the call retried up to req.MaxRetries times. Transport-class errors
// pass through as ErrUnavailable; exhausted parse failures surface as a
// MalformedError carrying the last raw reply.
func CompleteJSON[T any](ctx context.Context, c *Client, req JSONRequest, validate func(*T) error) (*JSONResult[T], error) {
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	messages := []Message{
		{Role: RoleSystem, Content: req.SystemPrompt},
		{Role: RoleUser, Content: req.UserPrompt},
	}

	var lastErr error
	var lastRaw string
	for round := 0; round <= maxRetries; round++ {
		completion, err := c.ChatCompletion(ctx, Request{
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		lastRaw = completion.Content

		result, parseErr := parseAndValidate[T](c, completion.Content, validate)
		if parseErr == nil {
			return result, nil
		}
		lastErr = parseErr

		if round < maxRetries {
			c.logger.Debug("LLM reply failed JSON validation, sending corrective retry",
				"round", round+1, "error", parseErr)
			messages = append(messages,
				Message{Role: RoleAssistant, Content: completion.Content},
				Message{Role: RoleUser, Content: correctiveMessage},
			)
		}
	}

	return nil, &MalformedError{
		Reason:     "parse and repair exhausted",
		RawContent: lastRaw,
		Err:        lastErr,
	}
}

// parseAndValidate tries the raw reply first, then the repaired form.
func parseAndValidate[T any](c *Client, content string, validate func(*T) error) (*JSONResult[T], error) {
	var data T
	if err := json.Unmarshal([]byte(content), &data); err == nil {
		if verr := runValidate(&data, validate); verr != nil {
			return nil, verr
		}
		return &JSONResult[T]{Data: data, RawContent: content}, nil
	}

	repaired := jsonrepair.Repair(content)
	if repaired == "" {
		return nil, fmt.Errorf("reply contains no JSON object")
	}

	var repairedData T
	if err := json.Unmarshal([]byte(repaired), &repairedData); err != nil {
		return nil, fmt.Errorf("reply unparseable after repair: %w", err)
	}
	if err := runValidate(&repairedData, validate); err != nil {
		return nil, err
	}

	c.logger.Debug("LLM reply required JSON repair", "fences", jsonrepair.HasFences(content))
	return &JSONResult[T]{Data: repairedData, RawContent: content, Repaired: true}, nil
}

func runValidate[T any](data *T, validate func(*T) error) error {
	if validate == nil {
		return nil
	}
	if err := validate(data); err != nil {
		return fmt.Errorf("reply failed validation: %w", err)
	}
	return nil
}
