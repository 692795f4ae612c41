package rabbithole

import (
	"strings"
	"testing"
)

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewSplitter(1024, 128)
	got := s.Split("Just one small paragraph.")
	if len(got) != 1 || got[0] != "Just one small paragraph." {
		t.Fatalf("Split = %q", got)
	}
}

func TestSplitEmpty(t *testing.T) {
	s := NewSplitter(1024, 128)
	if got := s.Split("   \n\n  "); got != nil {
		t.Fatalf("Split(blank) = %q, want nil", got)
	}
}

func TestSplitRespectsChunkSize(t *testing.T) {
	s := NewSplitter(100, 0)
	text := strings.Repeat("Some words fill this sentence up nicely. ", 30)

	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Fatalf("chunk %d is %d bytes: %q", i, len(c), c)
		}
		if strings.TrimSpace(c) == "" {
			t.Fatalf("chunk %d is blank", i)
		}
	}
}

func TestSplitPrefersParagraphBoundaries(t *testing.T) {
	s := NewSplitter(60, 0)
	text := "First paragraph stays together.\n\nSecond paragraph stays together."

	chunks := s.Split(text)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %q, want 2", chunks)
	}
	if !strings.HasPrefix(chunks[1], "Second") {
		t.Fatalf("second chunk = %q", chunks[1])
	}
}

func TestSplitOverlapCarriesContext(t *testing.T) {
	s := NewSplitter(80, 24)
	text := "Alpha sentence number one here. Beta sentence number two here. " +
		"Gamma sentence number three here."

	chunks := s.Split(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %q", chunks)
	}
	// The second chunk must open with the tail of the first.
	tail := chunks[0][len(chunks[0])-20:]
	words := strings.Fields(tail)
	if !strings.Contains(chunks[1], words[len(words)-1]) {
		t.Fatalf("no overlap between %q and %q", chunks[0], chunks[1])
	}
}

func TestSplitHardCutsUnbrokenText(t *testing.T) {
	s := NewSplitter(50, 0)
	text := strings.Repeat("x", 130)

	chunks := s.Split(text)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 50 {
			t.Fatalf("hard cut exceeded size: %d", len(c))
		}
	}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		text string
		low  float64
		high float64
	}{
		{"empty", "", 0, 0},
		{"prose", "Cats are small carnivorous mammals kept as pets around the world.", 0.4, 1},
		{"markup residue", "<<<|||###>>>{{{}}}", 0, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := qualityScore(tt.text)
			if got < tt.low || got > tt.high {
				t.Fatalf("qualityScore(%q) = %v, want [%v, %v]", tt.text, got, tt.low, tt.high)
			}
		})
	}
}
