// Package blacklist holds the tag blacklist: a set of tags that suppress
// delivery of any post carrying one of them.
package blacklist

import (
	"encoding/json"
	"os"
	"sync/atomic"

	"dahliabot/pkg/logx"
)

// Set is an immutable snapshot of blacklisted tags.
type Set map[string]struct{}

// Matches reports whether any tag in any category is blacklisted.
func (s Set) Matches(tags map[string][]string) bool {
	if len(s) == 0 {
		return false
	}
	for _, group := range tags {
		for _, t := range group {
			if _, ok := s[t]; ok {
				return true
			}
		}
	}
	return false
}

func (s Set) Len() int { return len(s) }

// List is the live blacklist. Snapshots are swapped atomically on reload;
// a pipeline run captures one snapshot and filters against it for the whole
// run.
type List struct {
	path string
	log  logx.Logger

	v atomic.Value // Set
}

// Load reads the blacklist file at path. A missing file degrades to an empty
// blacklist with a warning; malformed JSON likewise. Neither is a startup
// failure.
func Load(path string, log logx.Logger) *List {
	l := &List{path: path, log: log}
	set, err := readFile(path)
	switch {
	case err != nil && os.IsNotExist(err):
		log.Warn("blacklist file not found, starting with empty blacklist", logx.String("path", path))
		set = Set{}
	case err != nil:
		log.Error("blacklist file unreadable, starting with empty blacklist", logx.String("path", path), logx.Err(err))
		set = Set{}
	default:
		log.Info("blacklist loaded", logx.String("path", path), logx.Int("tags", len(set)))
	}
	l.v.Store(set)
	return l
}

// Snapshot returns the current set. Never nil.
func (l *List) Snapshot() Set {
	if s, ok := l.v.Load().(Set); ok {
		return s
	}
	return Set{}
}

// reload swaps in the file's current contents. On any error the previous
// set stays active.
func (l *List) reload() {
	set, err := readFile(l.path)
	if err != nil {
		l.log.Warn("blacklist reload failed, keeping previous set", logx.String("path", l.path), logx.Err(err))
		return
	}
	l.v.Store(set)
	l.log.Info("blacklist reloaded", logx.Int("tags", len(set)))
}

func readFile(path string) (Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tags []string
	if err := json.Unmarshal(b, &tags); err != nil {
		return nil, err
	}
	set := make(Set, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set, nil
}
