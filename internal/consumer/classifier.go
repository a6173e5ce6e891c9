package consumer

import (
	"strings"
	"sync"
)

// Classifier decides whether a handler error is transient and worth a
// redelivery. The default rule matches the error message against a set of
// case-insensitive substrings; individual command types can override the
// set.
type Classifier struct {
	mu        sync.RWMutex
	defaults  []string
	overrides map[string][]string
}

// NewClassifier creates a classifier with the default pattern set.
func NewClassifier(patterns []string) *Classifier {
	return &Classifier{
		defaults:  lower(patterns),
		overrides: make(map[string][]string),
	}
}

// Override replaces the pattern set for one command type.
func (c *Classifier) Override(command string, patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[command] = lower(patterns)
}

// Transient reports whether err should be retried for the command type.
func (c *Classifier) Transient(command string, err error) bool {
	if err == nil {
		return false
	}
	c.mu.RLock()
	patterns, ok := c.overrides[command]
	if !ok {
		patterns = c.defaults
	}
	c.mu.RUnlock()

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func lower(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}
