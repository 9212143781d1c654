package gemini

import (
	"context"
	"strings"
	"testing"

	"github.com/vanshpatel03/snapera2.0/internal/providers"
)

func TestExtractTextRequiresAPIKey(t *testing.T) {
	g := New("   ")
	_, err := g.ExtractText(context.Background(), providers.Config{Model: "gemini-2.0-flash", Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected error without API key")
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY") {
		t.Errorf("Expected error to mention GEMINI_API_KEY, got %v", err)
	}
}
