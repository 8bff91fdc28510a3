package llm

import (
	"context"
	"encoding/json"
)

// FakeBackend is a test double returning queued JSON responses.
//
// Usage:
//
//	fake := &llm.FakeBackend{Responses: []any{
//	    llm.RepoRecommendation{RecommendedIndex: 0, Confidence: "high"},
//	}}
//	client := llm.NewFake(fake)
type FakeBackend struct {
	// Responses is the queue of response values, consumed in order. Each
	// value is marshalled to JSON and decoded into the caller's result
	// type, so feature result structs can be used directly.
	Responses []any

	// Prompts records every prompt received, in order.
	Prompts []string

	// Err, when set, is returned by every call instead of a response.
	Err error
}

// NewFake wraps a FakeBackend in a feature client.
func NewFake(backend *FakeBackend) *Client {
	return newClient(backend)
}

func (f *FakeBackend) generateJSON(_ context.Context, prompt string, out any) error {
	f.Prompts = append(f.Prompts, prompt)
	if f.Err != nil {
		return f.Err
	}

	var next any
	if len(f.Responses) > 0 {
		next = f.Responses[0]
		f.Responses = f.Responses[1:]
	} else {
		next = map[string]any{}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
