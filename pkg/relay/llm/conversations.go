// Package llm – conversations.go tracks the upstream conversation id per
// user for backends that correlate completion calls into dialogues.
package llm

import (
	"sync"
	"time"
)

// Conversations maps a user identity to its current upstream conversation
// id. Safe for concurrent use; concurrent populates for the same user are
// tolerated with last-write-wins, since racing writers both store the
// freshly fetched latest id.
type Conversations struct {
	mu      sync.RWMutex
	entries map[string]*conversationEntry
}

type conversationEntry struct {
	id       string
	lastUsed time.Time
}

// NewConversations returns an empty table.
func NewConversations() *Conversations {
	return &Conversations{entries: make(map[string]*conversationEntry)}
}

// Get returns the tracked conversation id for user, or "" when none is set.
// A hit refreshes the entry's last-used timestamp.
func (c *Conversations) Get(user string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[user]
	if !ok {
		return ""
	}
	e.lastUsed = time.Now()
	return e.id
}

// Set stores the conversation id for user.
func (c *Conversations) Set(user, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[user] = &conversationEntry{id: id, lastUsed: time.Now()}
}

// Clear resets the user's conversation id to empty, forcing a fresh lookup
// on the next completion call. Used by the explicit reset command.
func (c *Conversations) Clear(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[user]; ok {
		e.id = ""
		e.lastUsed = time.Now()
	}
}

// Len returns the number of tracked users.
func (c *Conversations) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// PruneIdle removes entries unused for longer than maxIdle and returns how
// many were dropped. Run periodically by the janitor so the per-user map
// does not grow without bound.
func (c *Conversations) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for user, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, user)
			pruned++
		}
	}
	return pruned
}
