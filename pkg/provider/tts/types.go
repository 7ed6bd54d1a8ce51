package tts

import (
	"sync"

	"github.com/telfon-ai/telfon/pkg/types"
)

// DefaultVoices maps ISO 639-1 language codes to the stock voice used when a
// call has no explicit voice configuration.
var DefaultVoices = map[string]types.VoiceProfile{
	"de": {ID: "de_DE-thorsten-high", Name: "Thorsten", Provider: "piper", Language: "de"},
	"en": {ID: "en_US-lessac-high", Name: "Lessac", Provider: "piper", Language: "en"},
	"ru": {ID: "ru_RU-denis-medium", Name: "Denis", Provider: "piper", Language: "ru"},
	"tr": {ID: "tr_TR-fettah-medium", Name: "Fettah", Provider: "piper", Language: "tr"},
}

// VoiceForLanguage returns the stock voice for lang, falling back to German.
func VoiceForLanguage(lang string) types.VoiceProfile {
	if v, ok := DefaultVoices[lang]; ok {
		return v
	}
	return DefaultVoices["de"]
}

// VoiceCache is a small LRU of loaded voices, shared across calls. Local
// backends hold one synthesis model per voice; keeping more than a couple
// resident wastes memory, so the least-recently-used voice is evicted when the
// capacity is exceeded.
//
// VoiceCache is safe for concurrent use.
type VoiceCache[T any] struct {
	mu    sync.Mutex
	cap   int
	order []string // most recent last
	items map[string]T
	evict func(T)
}

// NewVoiceCache creates a cache holding at most capacity voices. onEvict, if
// non-nil, is called with each evicted value (to release model resources).
// Capacity values below 1 are raised to 1. The conventional capacity is 2.
func NewVoiceCache[T any](capacity int, onEvict func(T)) *VoiceCache[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &VoiceCache[T]{
		cap:   capacity,
		items: make(map[string]T),
		evict: onEvict,
	}
}

// Get returns the cached value for voiceID and marks it most recently used.
func (c *VoiceCache[T]) Get(voiceID string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.items[voiceID]
	if ok {
		c.touch(voiceID)
	}
	return v, ok
}

// Put inserts or refreshes a voice, evicting the least-recently-used entry if
// the cache is over capacity.
func (c *VoiceCache[T]) Put(voiceID string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[voiceID]; ok {
		c.items[voiceID] = v
		c.touch(voiceID)
		return
	}
	c.items[voiceID] = v
	c.order = append(c.order, voiceID)

	for len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		old := c.items[oldest]
		delete(c.items, oldest)
		if c.evict != nil {
			c.evict(old)
		}
	}
}

// Len returns the number of resident voices.
func (c *VoiceCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// touch moves voiceID to the most-recent position. Caller holds c.mu.
func (c *VoiceCache[T]) touch(voiceID string) {
	for i, id := range c.order {
		if id == voiceID {
			c.order = append(append(c.order[:i:i], c.order[i+1:]...), voiceID)
			return
		}
	}
}
