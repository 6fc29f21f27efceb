package painter

import "testing"

func TestKeyPoolDropsBlanks(t *testing.T) {
	p := NewKeyPool([]string{" ", "k1", "", "k2 "})
	if p.Size() != 2 {
		t.Fatalf("size = %d, want 2", p.Size())
	}
}

func TestKeyPoolSingleKey(t *testing.T) {
	p := NewKeyPool([]string{"only"})
	for i := 0; i < 3; i++ {
		got := p.Candidates()
		if len(got) != 1 || got[0] != "only" {
			t.Fatalf("candidates = %v", got)
		}
	}
}

func TestKeyPoolRotatesWithDistinctFallback(t *testing.T) {
	p := NewKeyPool([]string{"a", "b", "c"})
	primaries := map[string]bool{}
	for i := 0; i < 6; i++ {
		got := p.Candidates()
		if len(got) != 2 {
			t.Fatalf("candidates = %v, want primary plus fallback", got)
		}
		if got[0] == got[1] {
			t.Fatalf("fallback equals primary: %v", got)
		}
		primaries[got[0]] = true
	}
	if len(primaries) != 3 {
		t.Fatalf("rotation never reached all keys: %v", primaries)
	}
}

func TestKeyPoolEmpty(t *testing.T) {
	p := NewKeyPool(nil)
	if p.Size() != 0 || p.Candidates() != nil {
		t.Fatal("empty pool must yield no candidates")
	}
}
