package digest

import "testing"

func TestAvailableIsSorted(t *testing.T) {
	names := Available()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Available() not sorted: %v", names)
		}
	}
}

func TestNewUnknownAlgorithm(t *testing.T) {
	if _, err := New("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
}

func TestSumHexMatchesKnownVector(t *testing.T) {
	p, err := New("md5")
	if err != nil {
		t.Fatalf("New(md5): %v", err)
	}
	p.Write([]byte("abc"))
	got := SumHex(p)
	want := "900150983cd24fb0d6963f7d28e17f72"
	if got != want {
		t.Errorf("md5(\"abc\") = %s, want %s", got, want)
	}
}

func TestXXHashProducesOutput(t *testing.T) {
	p, err := New("xxhash")
	if err != nil {
		t.Fatalf("New(xxhash): %v", err)
	}
	p.Write([]byte("abc"))
	if SumHex(p) == "" {
		t.Error("expected non-empty digest")
	}
}
