// Package conversation implements the per-call dialogue engine: conversation
// state with append-only turns, language and dialect tracking, history
// windowing with a dialect-aware system prompt, and the buffered and
// sentence-streaming STT → LLM → TTS turn pipelines.
package conversation

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/telfon-ai/telfon/pkg/provider/lang"
	"github.com/telfon-ai/telfon/pkg/types"
)

// languageConfidenceThreshold gates language and dialect updates. A new
// detection below this confidence, or not exceeding the current one, leaves
// the conversation state unchanged.
const languageConfidenceThreshold = 0.7

// Turn is one entry in a conversation. Immutable once appended.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time

	// Language annotates USER turns with the language detected for that turn.
	Language lang.Language

	// AudioDuration is the length of the caller audio behind a USER turn, if
	// it came from speech.
	AudioDuration time.Duration
}

// Conversation holds the dialogue state of one call.
//
// Turns are append-only and strictly ordered. The language and dialect fields
// follow a ratchet: once set with sufficient confidence they only change when
// a new detection is both confident and more confident than the current one.
//
// Conversation is safe for concurrent use; readers get snapshot copies.
type Conversation struct {
	id        string
	createdAt time.Time

	// procMu serialises turn processing so a second LLM call cannot start
	// before the previous one returns.
	procMu sync.Mutex

	mu           sync.Mutex
	turns        []Turn
	language     lang.Language
	langConf     float64
	dialect      lang.Dialect
	dialectConf  float64
	dialectFeats []string
	context      map[string]any
	lastActivity time.Time
	endedAt      time.Time
}

func newConversation(now time.Time) *Conversation {
	return &Conversation{
		id:           newID(),
		createdAt:    now,
		lastActivity: now,
		dialect:      lang.DialectStandard,
		context:      make(map[string]any),
	}
}

func newID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "conv-" + hex.EncodeToString([]byte(time.Now().String()))[:16]
	}
	return hex.EncodeToString(b[:])
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// AddTurn appends a turn and returns it.
func (c *Conversation) AddTurn(role, content string) Turn {
	return c.addTurn(Turn{Role: role, Content: content})
}

func (c *Conversation) addTurn(t Turn) Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	c.turns = append(c.turns, t)
	c.lastActivity = t.Timestamp
	return t
}

// Turns returns a snapshot copy of all turns.
func (c *Conversation) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Language returns the detected caller language; empty until first detection.
func (c *Conversation) Language() lang.Language {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// Dialect returns the detected German dialect tag.
func (c *Conversation) Dialect() lang.Dialect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect
}

// ResponseLanguage returns the language the assistant should answer in.
// Dialect speakers get standard German; an unknown language defaults to German.
func (c *Conversation) ResponseLanguage() lang.Language {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.language == "" || c.language == lang.Unknown {
		return lang.German
	}
	return c.language
}

// ObserveLanguage applies a per-turn language detection. The state updates
// only when the new confidence reaches the threshold and exceeds the current
// confidence.
func (c *Conversation) ObserveLanguage(r lang.Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Confidence < languageConfidenceThreshold || r.Confidence <= c.langConf {
		return false
	}
	c.language = r.ResponseLanguage()
	c.langConf = r.Confidence
	return true
}

// ObserveDialect applies a German dialect classification under the same
// confidence ratchet as ObserveLanguage.
func (c *Conversation) ObserveDialect(r lang.DialectResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Confidence < languageConfidenceThreshold || r.Confidence <= c.dialectConf {
		return false
	}
	c.dialect = r.Dialect
	c.dialectConf = r.Confidence
	c.dialectFeats = append([]string(nil), r.Features...)
	return true
}

// SetContext stores an opaque per-call policy value (patient id, job id, …).
func (c *Conversation) SetContext(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context[key] = v
}

// Context returns the stored policy value for key.
func (c *Conversation) Context(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.context[key]
	return v, ok
}

// End marks the conversation finished. Idempotent.
func (c *Conversation) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endedAt.IsZero() {
		c.endedAt = time.Now()
	}
}

// Ended reports whether End has been called.
func (c *Conversation) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.endedAt.IsZero()
}

// HistoryForLLM returns the last maxTurns non-system turns as messages,
// preceded by a fresh system message. The stored system turn is never
// forwarded; systemPrompt replaces it so dialect and language hints stay
// current.
func (c *Conversation) HistoryForLLM(maxTurns int, systemPrompt string) []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	recent := make([]types.Message, 0, maxTurns+1)
	recent = append(recent, types.Message{Role: types.RoleSystem, Content: systemPrompt})

	var tail []Turn
	for _, t := range c.turns {
		if t.Role != types.RoleSystem {
			tail = append(tail, t)
		}
	}
	if maxTurns > 0 && len(tail) > maxTurns {
		tail = tail[len(tail)-maxTurns:]
	}
	for _, t := range tail {
		recent = append(recent, types.Message{Role: t.Role, Content: t.Content})
	}
	return recent
}
