package embeddings

import (
	"math"
	"testing"
)

func TestSerializeRoundTrip(t *testing.T) {
	cases := [][]float32{
		{},
		{0},
		{1.5, -2.25, 0.001, 3.4e38},
		{float32(math.Pi), float32(-math.E), 0.5},
	}
	for _, vec := range cases {
		blob := Serialize(vec)
		if len(blob) != 4*len(vec) {
			t.Fatalf("blob length = %d, want %d", len(blob), 4*len(vec))
		}
		got, err := Deserialize(blob)
		if err != nil {
			t.Fatalf("deserialize: %v", err)
		}
		if len(got) != len(vec) {
			t.Fatalf("length = %d, want %d", len(got), len(vec))
		}
		for i := range vec {
			if got[i] != vec[i] {
				t.Errorf("element %d = %v, want %v", i, got[i], vec[i])
			}
		}
	}
}

func TestDeserializeBadLength(t *testing.T) {
	if _, err := Deserialize([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for truncated blob")
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	if got := Cosine(a, b); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("identical vectors: got %v, want 1.0", got)
	}

	c := []float32{0, 1, 0}
	if got := Cosine(a, c); math.Abs(got) > 1e-9 {
		t.Errorf("orthogonal vectors: got %v, want 0", got)
	}

	if got := Cosine(a, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths: got %v, want 0", got)
	}

	if got := Cosine(a, []float32{0, 0, 0}); got != 0 {
		t.Errorf("zero vector: got %v, want 0", got)
	}
}
