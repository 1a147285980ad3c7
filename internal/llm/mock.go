package llm

import (
	"context"
	"strings"
)

// MockClient permite tests y modo offline sin llamar a un LLM real.
// Stream entrega Response palabra por palabra.
type MockClient struct {
	Response    string
	Err         error
	LastHistory []Turn
}

func (m *MockClient) Generate(ctx context.Context, history []Turn) (string, error) {
	m.LastHistory = history
	return m.Response, m.Err
}

func (m *MockClient) Stream(ctx context.Context, history []Turn, onToken func(token string) error) (string, error) {
	m.LastHistory = history
	if m.Err != nil {
		return "", m.Err
	}
	var full strings.Builder
	for _, tok := range strings.SplitAfter(m.Response, " ") {
		if tok == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return full.String(), err
		}
		full.WriteString(tok)
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return full.String(), err
			}
		}
	}
	return full.String(), nil
}
