package store

import "sync"

type seqGenerator struct {
	mu        sync.Mutex
	perDevice map[string]int64
}

func newSeqGenerator() *seqGenerator {
	return &seqGenerator{perDevice: make(map[string]int64)}
}

func (g *seqGenerator) nextForDevice(deviceID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perDevice[deviceID]++
	return g.perDevice[deviceID]
}

// observe advances the counter past a sequence loaded from disk.
func (g *seqGenerator) observe(deviceID string, seq int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq > g.perDevice[deviceID] {
		g.perDevice[deviceID] = seq
	}
}
