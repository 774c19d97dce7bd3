package telegram

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSenderSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	s := NewSender("123:abc", discardLogger())
	s.SetBaseURL(srv.URL)

	if err := s.SendMessage(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "42" || gotBody["text"] != "hello" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestSenderSplitsLongMessages(t *testing.T) {
	var texts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		texts = append(texts, body["text"].(string))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	s := NewSender("123:abc", discardLogger())
	s.SetBaseURL(srv.URL)

	long := strings.Repeat("a", MaxMessageRunes) + "\n" + strings.Repeat("b", 10)
	if err := s.SendMessage(context.Background(), "42", long); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(texts) != 2 {
		t.Fatalf("sent %d chunks, want 2", len(texts))
	}
	for i, text := range texts {
		if n := len([]rune(text)); n > MaxMessageRunes {
			t.Errorf("chunk %d has %d runes, want <= %d", i, n, MaxMessageRunes)
		}
	}
}

func TestSenderSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	s := NewSender("123:abc", discardLogger())
	s.SetBaseURL(srv.URL)

	err := s.SendMessage(context.Background(), "42", "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("error = %v, want API description surfaced", err)
	}
}

func TestSenderRequiresToken(t *testing.T) {
	s := NewSender("", discardLogger())
	if err := s.SendMessage(context.Background(), "42", "hello"); err == nil {
		t.Error("expected error without a token")
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{
			name:  "short text stays whole",
			text:  "hello",
			limit: 10,
			want:  []string{"hello"},
		},
		{
			name:  "exact limit stays whole",
			text:  "aaaaa",
			limit: 5,
			want:  []string{"aaaaa"},
		},
		{
			name:  "hard split without newline",
			text:  "aaaaabbbbb",
			limit: 5,
			want:  []string{"aaaaa", "bbbbb"},
		},
		{
			name:  "prefers newline boundary",
			text:  "one\ntwo\nthree",
			limit: 9,
			want:  []string{"one\ntwo", "three"},
		},
		{
			name:  "zero limit stays whole",
			text:  "anything",
			limit: 0,
			want:  []string{"anything"},
		},
		{
			name:  "multibyte runes count as one",
			text:  "日本語のテキスト",
			limit: 4,
			want:  []string{"日本語の", "テキスト"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.text, tt.limit)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitMessage(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
