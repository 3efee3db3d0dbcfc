package content

import (
	"bytes"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy        = bluemonday.UGCPolicy()
	stripPolicy   = bluemonday.StrictPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to message bodies and display names at the dispatch boundary.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts a message body to sanitized HTML for display.
func RenderMarkdown(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", err
	}
	return policy.Sanitize(buf.String()), nil
}

// Preview returns a plain-text preview of a message body, truncated to at
// most max runes. Markup is stripped first so the preview never leaks tags.
func Preview(body string, max int) string {
	plain := strings.TrimSpace(stripPolicy.Sanitize(body))
	runes := []rune(plain)
	if len(runes) <= max {
		return plain
	}
	truncated := strings.TrimRightFunc(string(runes[:max]), unicode.IsSpace)
	return truncated + "…"
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and is not empty.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateEmail does a shallow well-formedness check.
func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return errors.New("invalid email address")
	}
	return nil
}
