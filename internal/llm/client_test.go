package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestHTTPClient_Stream(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Ho", "la", " mundo"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: not-json\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "k", "m1", zap.NewNop())
	var tokens []string
	full, err := c.Stream(context.Background(), []Turn{{Role: RoleUser, Content: "hola"}}, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != "Hola mundo" || strings.Join(tokens, "|") != "Ho|la| mundo" {
		t.Fatalf("unexpected stream result %q tokens=%v", full, tokens)
	}
	if !got.Stream || got.Model != "m1" || len(got.Messages) != 1 {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestHTTPClient_StreamCallbackAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	full, err := NewHTTPClient(srv.URL, "k", "m", nil).Stream(context.Background(), nil, func(string) error { return stop })
	if !errors.Is(err, stop) || full != "a" {
		t.Fatalf("expected abort after first token, got %q %v", full, err)
	}
}

func TestHTTPClient_Generate(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"respuesta"}}]}`)
		}))
		defer srv.Close()

		out, err := NewHTTPClient(srv.URL, "k", "m", nil).Generate(context.Background(), nil)
		if err != nil || out != "respuesta" {
			t.Fatalf("unexpected result %q %v", out, err)
		}
	})

	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer srv.Close()

		if _, err := NewHTTPClient(srv.URL, "k", "m", nil).Generate(context.Background(), nil); err == nil {
			t.Fatalf("expected error")
		}
	})

	t.Run("vacia", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[]}`)
		}))
		defer srv.Close()

		if _, err := NewHTTPClient(srv.URL, "k", "m", nil).Generate(context.Background(), nil); !errors.Is(err, ErrEmptyResponse) {
			t.Fatalf("expected empty response error, got %v", err)
		}
	})
}

func TestMockClient_StreamsWords(t *testing.T) {
	m := &MockClient{Response: "uno dos tres"}
	var tokens []string
	full, err := m.Stream(context.Background(), nil, func(tok string) error {
		tokens = append(tokens, tok)
		return nil
	})
	if err != nil || full != "uno dos tres" || len(tokens) != 3 {
		t.Fatalf("unexpected mock stream %q %v %v", full, tokens, err)
	}
}
