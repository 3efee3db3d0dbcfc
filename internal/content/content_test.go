package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRenderMarkdown(t *testing.T) {
	got, err := RenderMarkdown("hello *there*")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if !strings.Contains(got, "<em>there</em>") {
		t.Errorf("expected emphasis in output, got %q", got)
	}

	got, err = RenderMarkdown("<script>alert(1)</script>hi")
	if err != nil {
		t.Fatalf("RenderMarkdown failed: %v", err)
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("script tag survived rendering: %q", got)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"Short", "hello", 64, "hello"},
		{"Exact", "hello", 5, "hello"},
		{"Truncated", "hello world", 5, "hello…"},
		{"Trailing space trimmed", "hello world", 6, "hello…"},
		{"Markup stripped", "<b>hello</b>", 64, "hello"},
		{"Multibyte", "привет мир", 6, "привет…"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.input, tt.max); got != tt.expected {
				t.Errorf("Preview() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	valid := []string{"alice", "bob.smith", "user_1", "a-b"}
	for _, u := range valid {
		if err := ValidateUsername(u); err != nil {
			t.Errorf("ValidateUsername(%q) = %v, want nil", u, err)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "<tag>"}
	for _, u := range invalid {
		if err := ValidateUsername(u); err == nil {
			t.Errorf("ValidateUsername(%q) = nil, want error", u)
		}
	}
}

func TestValidateEmail(t *testing.T) {
	if err := ValidateEmail("alice@example.com"); err != nil {
		t.Errorf("valid email rejected: %v", err)
	}
	for _, e := range []string{"", "nope", "a@b", "two@@example.com"} {
		if err := ValidateEmail(e); err == nil {
			t.Errorf("ValidateEmail(%q) = nil, want error", e)
		}
	}
}
