package cascade

import (
	"sync"
	"time"
)

// healthTracker quarantines a provider after repeated failures, skipping it
// (as if every fast probe were a miss and every store attempt declined)
// until a back-off window elapses. One tracker entry per registered
// provider name.
type healthTracker struct {
	mu              sync.Mutex
	consecutiveFail map[string]int
	quarantineUntil map[string]time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		consecutiveFail: make(map[string]int),
		quarantineUntil: make(map[string]time.Time),
	}
}

const (
	quarantineThreshold = 3
	quarantineWindow     = 30 * time.Second
)

func (h *healthTracker) recordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFail[provider] = 0
	delete(h.quarantineUntil, provider)
}

func (h *healthTracker) recordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFail[provider]++
	if h.consecutiveFail[provider] >= quarantineThreshold {
		h.quarantineUntil[provider] = time.Now().Add(quarantineWindow)
	}
}

func (h *healthTracker) isQuarantined(provider string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.quarantineUntil[provider]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(h.quarantineUntil, provider)
		h.consecutiveFail[provider] = 0
		return false
	}
	return true
}
