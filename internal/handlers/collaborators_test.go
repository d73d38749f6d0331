package handlers

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizerEscapesMarkup(t *testing.T) {
	s := HTMLSanitizer{}

	out, err := s.Sanitize("hello <b>world</b>")
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.Contains(out, "<") || strings.Contains(out, ">") {
		t.Fatalf("expected markup escaped, got %q", out)
	}
}

func TestSanitizerRejectsScriptContent(t *testing.T) {
	s := HTMLSanitizer{}

	for _, text := range []string{
		"<script>alert(1)</script>",
		"<SCRIPT src=x>",
		"click javascript:alert(1)",
	} {
		if _, err := s.Sanitize(text); !errors.Is(err, ErrMaliciousContent) {
			t.Fatalf("expected ErrMaliciousContent for %q, got %v", text, err)
		}
	}
}

func TestSanitizerRejectsEmptyText(t *testing.T) {
	s := HTMLSanitizer{}
	if _, err := s.Sanitize("   \n\t "); !errors.Is(err, ErrMaliciousContent) {
		t.Fatalf("expected ErrMaliciousContent for whitespace, got %v", err)
	}
}

func TestSanitizerTruncatesLongText(t *testing.T) {
	s := HTMLSanitizer{}

	out, err := s.Sanitize(strings.Repeat("a", maxChatLength+500))
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if len(out) != maxChatLength {
		t.Fatalf("expected text capped at %d, got %d", maxChatLength, len(out))
	}
}
