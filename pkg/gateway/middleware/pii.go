// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	gwerrors "github.com/stacklok/mcpgate/pkg/errors"
	"github.com/stacklok/mcpgate/pkg/logger"
)

const maxClassifierResponse = 10 << 20

// Classifier replaces sensitive spans in a JSON value and returns a value of
// the same shape.
type Classifier interface {
	Classify(ctx context.Context, content json.RawMessage) (json.RawMessage, error)
}

// HTTPClassifier calls a classification service with POST {"content": <value>}
// and reads the redacted value from the "content" field of the reply.
type HTTPClassifier struct {
	url    string
	client *http.Client
}

// NewHTTPClassifier creates a classifier for the service at url.
func NewHTTPClassifier(url string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClassifier{url: url, client: client}
}

// Classify implements Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, content json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(struct {
		Content json.RawMessage `json:"content"`
	}{Content: content})
	if err != nil {
		return nil, fmt.Errorf("failed to encode classification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create classification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classification request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxClassifierResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read classification response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classification service returned status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(reply) {
		return nil, fmt.Errorf("classification service returned invalid JSON")
	}
	redacted := gjson.GetBytes(reply, "content")
	if !redacted.Exists() {
		return nil, fmt.Errorf("classification response has no content field")
	}
	return json.RawMessage(redacted.Raw), nil
}

// PIIRedactor sends every text block, and the structured content, through a
// Classifier. When the classifier fails the call fails unless FailOpen is
// set, in which case the original result passes through.
type PIIRedactor struct {
	classifier Classifier
	failOpen   bool
}

// NewPIIRedactor creates a redactor.
func NewPIIRedactor(classifier Classifier, failOpen bool) *PIIRedactor {
	return &PIIRedactor{classifier: classifier, failOpen: failOpen}
}

// Process implements ResultProcessor.
func (r *PIIRedactor) Process(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	if result == nil {
		return nil, nil
	}
	redacted, err := r.redact(ctx, result)
	if err == nil {
		return redacted, nil
	}
	if r.failOpen {
		logger.Warnw("pii classification failed, passing result through", "error", err)
		return result, nil
	}
	return nil, gwerrors.NewUpstream("pii classification failed", err)
}

func (r *PIIRedactor) redact(ctx context.Context, result *mcp.CallToolResult) (*mcp.CallToolResult, error) {
	out, err := mapText(result, func(text string) (string, error) {
		// JSON text is classified as a subtree, anything else as a string
		var subtree json.RawMessage
		if gjson.Valid(text) && isContainer(gjson.Parse(text)) {
			subtree = json.RawMessage(text)
		} else {
			encoded, err := json.Marshal(text)
			if err != nil {
				return "", err
			}
			subtree = encoded
		}

		redacted, err := r.classify(ctx, subtree)
		if err != nil {
			return "", err
		}
		if parsed := gjson.ParseBytes(redacted); parsed.Type == gjson.String {
			return parsed.String(), nil
		}
		return string(redacted), nil
	})
	if err != nil {
		return nil, err
	}

	if result.StructuredContent != nil {
		raw, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("failed to encode structured content: %w", err)
		}
		redacted, err := r.classify(ctx, raw)
		if err != nil {
			return nil, err
		}
		var structured any
		if err := json.Unmarshal(redacted, &structured); err != nil {
			return nil, fmt.Errorf("failed to decode redacted structured content: %w", err)
		}
		out.StructuredContent = structured
	}
	return out, nil
}

// classify calls the classifier and checks the reply kept the input's shape.
func (r *PIIRedactor) classify(ctx context.Context, subtree json.RawMessage) (json.RawMessage, error) {
	redacted, err := r.classifier.Classify(ctx, subtree)
	if err != nil {
		return nil, err
	}
	if !sameShape(gjson.ParseBytes(subtree), gjson.ParseBytes(redacted)) {
		return nil, fmt.Errorf("classification changed the shape of the content")
	}
	return redacted, nil
}

func isContainer(v gjson.Result) bool {
	return v.IsObject() || v.IsArray()
}

// sameShape compares the top-level kind of two JSON values.
func sameShape(a, b gjson.Result) bool {
	switch {
	case a.IsObject():
		return b.IsObject()
	case a.IsArray():
		return b.IsArray()
	default:
		return a.Type == b.Type
	}
}
