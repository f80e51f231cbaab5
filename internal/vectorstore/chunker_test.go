package vectorstore

import (
	"strings"
	"testing"
)

func TestSplitTextEmpty(t *testing.T) {
	if chunks := SplitText("", 100); chunks != nil {
		t.Errorf("expected nil, got %+v", chunks)
	}
	if chunks := SplitText("   \n\n  ", 100); chunks != nil {
		t.Errorf("expected nil for whitespace, got %+v", chunks)
	}
}

func TestSplitTextParagraphs(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := SplitText(text, 35)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		if len(c.Text) == 0 {
			t.Errorf("chunk %d is empty", i)
		}
	}
}

func TestSplitTextOversizedParagraph(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := SplitText(text, 200)
	if len(chunks) < 5 {
		t.Fatalf("got %d chunks for oversized paragraph", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 200 {
			t.Errorf("chunk exceeds size: %d chars", len(c.Text))
		}
	}
}
