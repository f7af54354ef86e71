package transcript

import (
	"sync"
	"time"

	"github.com/careloop/voicebridge/internal/protocol"
)

// Entry is one utterance in conversational order.
type Entry struct {
	Speaker   protocol.Speaker `json:"speaker"`
	Text      string           `json:"text"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
}

// Assembler accumulates speaker-tagged utterances in arrival order.
// No merging of consecutive same-speaker lines, no deduplication.
type Assembler struct {
	mu      sync.Mutex
	entries []Entry
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

func (a *Assembler) Append(speaker protocol.Speaker, text string, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, Entry{Speaker: speaker, Text: text, Timestamp: ts})
}

// AppendEvent records one transcript control event. A missing or
// malformed timestamp is kept zero rather than rejected.
func (a *Assembler) AppendEvent(msg protocol.Transcript) {
	var ts time.Time
	if msg.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
			ts = parsed
		}
	}
	a.Append(msg.Speaker, msg.Text, ts)
}

// Entries returns a copy of the assembled transcript.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Clear drops all entries. Called on session end.
func (a *Assembler) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}
