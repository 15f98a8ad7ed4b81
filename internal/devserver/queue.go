package devserver

import (
	"context"
	"sort"
	"sync"

	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/conneroisu/bundlr/internal/module"
)

// Batch is the set of changes handed to one rebuild. Paths are unique.
type Batch struct {
	Changes []graph.Change
}

// NewBatch builds a batch from raw change events. Repeated paths collapse
// to one change; a creation or deletion outranks a modification and the
// later of two structural changes wins.
func NewBatch(changes ...graph.Change) Batch {
	return Batch{}.Merge(Batch{Changes: changes})
}

// Len returns the number of distinct paths in the batch.
func (b Batch) Len() int { return len(b.Changes) }

// Paths returns the changed paths in sorted order.
func (b Batch) Paths() []string {
	out := make([]string, len(b.Changes))
	for i, c := range b.Changes {
		out[i] = c.Path
	}
	return out
}

// Subsumes reports whether every path of other is also part of b. A
// rebuild of b re-reads everything a rebuild of other would.
func (b Batch) Subsumes(other Batch) bool {
	have := make(map[string]struct{}, len(b.Changes))
	for _, c := range b.Changes {
		have[c.Path] = struct{}{}
	}
	for _, c := range other.Changes {
		if _, ok := have[c.Path]; !ok {
			return false
		}
	}
	return true
}

// Merge returns the union of b and other. Changes from other win, except
// that a modification never downgrades a creation or deletion.
func (b Batch) Merge(other Batch) Batch {
	byPath := make(map[string]graph.ChangeKind, len(b.Changes)+len(other.Changes))
	add := func(c graph.Change) {
		p := module.Canonical(c.Path)
		prev, seen := byPath[p]
		if seen && c.Kind == graph.Modified && prev != graph.Modified {
			return
		}
		byPath[p] = c.Kind
	}
	for _, c := range b.Changes {
		add(c)
	}
	for _, c := range other.Changes {
		add(c)
	}

	out := make([]graph.Change, 0, len(byPath))
	for p, kind := range byPath {
		out = append(out, graph.Change{Path: p, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return Batch{Changes: out}
}

// Queue holds change batches waiting for the builder. It never blocks a
// producer: a batch that subsumes queued batches absorbs them, and once
// the queue is full new batches fold into the newest one.
type Queue struct {
	mutex   sync.Mutex
	batches []Batch
	limit   int
	ready   chan struct{}
}

// NewQueue creates a queue holding at most limit batches.
func NewQueue(limit int) *Queue {
	if limit < 1 {
		limit = 1
	}
	return &Queue{limit: limit, ready: make(chan struct{}, 1)}
}

// Push enqueues b and returns how many queued batches it superseded.
func (q *Queue) Push(b Batch) int {
	if b.Len() == 0 {
		return 0
	}

	q.mutex.Lock()
	kept := q.batches[:0]
	dropped := 0
	for _, queued := range q.batches {
		if b.Subsumes(queued) {
			// keep the queued change kinds so a creation is not lost to a
			// later write of the same file
			b = queued.Merge(b)
			dropped++
			continue
		}
		kept = append(kept, queued)
	}
	q.batches = kept
	if len(q.batches) >= q.limit {
		last := len(q.batches) - 1
		q.batches[last] = q.batches[last].Merge(b)
	} else {
		q.batches = append(q.batches, b)
	}
	q.mutex.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop waits for the oldest batch.
func (q *Queue) Pop(ctx context.Context) (Batch, error) {
	for {
		q.mutex.Lock()
		if len(q.batches) > 0 {
			b := q.batches[0]
			q.batches = q.batches[1:]
			more := len(q.batches) > 0
			q.mutex.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return b, nil
		}
		q.mutex.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		}
	}
}

// Len returns the number of queued batches.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.batches)
}

// Snapshot returns a copy of the queued batches, oldest first.
func (q *Queue) Snapshot() []Batch {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	out := make([]Batch, len(q.batches))
	copy(out, q.batches)
	return out
}
