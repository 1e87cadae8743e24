// Copyright 2024-2026 Aiku AI

package modmail

import (
	"sync"
	"time"
)

// MessagePair links a message in the user's private channel (source) to
// its counterpart in the staff surface (mirror). The orientation is the same
// for both relay directions.
type MessagePair struct {
	SourceID        string
	SourceSurfaceID string
	MirrorID        string
	MirrorSurfaceID string
	CreatedAt       time.Time
}

// SourceRef returns the private side of the pair.
func (p MessagePair) SourceRef() MessageRef {
	return MessageRef{ID: p.SourceID, ChannelID: p.SourceSurfaceID}
}

// MirrorRef returns the staff side of the pair.
func (p MessagePair) MirrorRef() MessageRef {
	return MessageRef{ID: p.MirrorID, ChannelID: p.MirrorSurfaceID}
}

type pairEntry struct {
	pair    MessagePair
	removed bool
}

// PairIndex is an append-only, insertion-ordered list of message pairs with
// id lookups on both sides. When an id occurs in more than one pair the
// earliest live pair wins.
type PairIndex struct {
	mu       sync.RWMutex
	entries  []pairEntry
	bySource map[string]int
	byMirror map[string]int
	live     int
}

func NewPairIndex() *PairIndex {
	return &PairIndex{
		bySource: make(map[string]int),
		byMirror: make(map[string]int),
	}
}

// Append records a pair after a successful relay.
func (pi *PairIndex) Append(pair MessagePair) {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	idx := len(pi.entries)
	pi.entries = append(pi.entries, pairEntry{pair: pair})
	pi.live++
	if _, ok := pi.bySource[pair.SourceID]; !ok {
		pi.bySource[pair.SourceID] = idx
	}
	if _, ok := pi.byMirror[pair.MirrorID]; !ok {
		pi.byMirror[pair.MirrorID] = idx
	}
}

// FindBySource returns the pair whose private-side message is id.
func (pi *PairIndex) FindBySource(id string) (MessagePair, bool) {
	return pi.find(pi.bySource, id)
}

// FindByMirror returns the pair whose staff-side message is id.
func (pi *PairIndex) FindByMirror(id string) (MessagePair, bool) {
	return pi.find(pi.byMirror, id)
}

func (pi *PairIndex) find(index map[string]int, id string) (MessagePair, bool) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	idx, ok := index[id]
	if !ok {
		return MessagePair{}, false
	}
	return pi.entries[idx].pair, true
}

// Remove drops the earliest live pair equal to pair. It reports whether a
// pair was removed.
func (pi *PairIndex) Remove(pair MessagePair) bool {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	idx, ok := pi.bySource[pair.SourceID]
	if !ok {
		return false
	}
	for ; idx < len(pi.entries); idx++ {
		entry := &pi.entries[idx]
		if !entry.removed && entry.pair.SourceID == pair.SourceID && entry.pair.MirrorID == pair.MirrorID {
			break
		}
	}
	if idx == len(pi.entries) {
		return false
	}
	pi.entries[idx].removed = true
	pi.live--
	pi.repoint(pi.bySource, idx, pair.SourceID, func(p MessagePair) string { return p.SourceID })
	pi.repoint(pi.byMirror, idx, pair.MirrorID, func(p MessagePair) string { return p.MirrorID })
	return true
}

// repoint moves index[id] from the removed entry to the next live entry
// carrying the same id, or deletes it.
func (pi *PairIndex) repoint(index map[string]int, removed int, id string, key func(MessagePair) string) {
	if index[id] != removed {
		return
	}
	for i := removed + 1; i < len(pi.entries); i++ {
		if !pi.entries[i].removed && key(pi.entries[i].pair) == id {
			index[id] = i
			return
		}
	}
	delete(index, id)
}

// Len returns the number of live pairs.
func (pi *PairIndex) Len() int {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.live
}

// Pairs returns the live pairs in insertion order.
func (pi *PairIndex) Pairs() []MessagePair {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	out := make([]MessagePair, 0, pi.live)
	for _, entry := range pi.entries {
		if !entry.removed {
			out = append(out, entry.pair)
		}
	}
	return out
}
