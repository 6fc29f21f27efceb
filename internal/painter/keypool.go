package painter

import (
	"strings"
	"sync/atomic"
)

// KeyPool rotates API credentials round-robin. Races on the counter are
// tolerated; the only requirement is that the pool eventually rotates.
type KeyPool struct {
	keys []string
	next atomic.Uint64
}

// NewKeyPool builds a pool from the given keys, dropping blanks.
func NewKeyPool(keys []string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			p.keys = append(p.keys, k)
		}
	}
	return p
}

func (p *KeyPool) Size() int { return len(p.keys) }

// Candidates returns the primary credential for one logical call plus, when
// the pool holds more than one key, a distinct fallback.
func (p *KeyPool) Candidates() []string {
	n := len(p.keys)
	if n == 0 {
		return nil
	}
	i := int((p.next.Add(1) - 1) % uint64(n))
	if n == 1 {
		return []string{p.keys[i]}
	}
	return []string{p.keys[i], p.keys[(i+1)%n]}
}
