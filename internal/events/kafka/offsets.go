package kafka

import (
	"slices"
	"sync"
)

type partitionKey struct {
	topic     string
	partition int
}

type partitionOffsets struct {
	pending   []int64 // fetched and not yet committable, ascending
	acked     map[int64]bool
	committed int64 // highest offset committed, -1 before the first commit
}

// offsetTracker decides which offset may be committed for a partition.
// kafka-go commits per partition, so committing offset N also commits
// everything below it; an offset becomes committable only once it and every
// offset fetched before it on the same partition are acked.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

func (t *offsetTracker) partition(key partitionKey) *partitionOffsets {
	if t.partitions == nil {
		t.partitions = make(map[partitionKey]*partitionOffsets)
	}
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{acked: make(map[int64]bool), committed: -1}
		t.partitions[key] = p
	}
	return p
}

// track registers a fetched offset. Offsets fetched again after a rebalance
// are kept once.
func (t *offsetTracker) track(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(partitionKey{topic, partition})
	if offset <= p.committed {
		return
	}
	i, found := slices.BinarySearch(p.pending, offset)
	if !found {
		p.pending = slices.Insert(p.pending, i, offset)
	}
}

// ack marks offset done and returns the highest offset that can now be
// committed. ok is false while an earlier offset is still outstanding.
func (t *offsetTracker) ack(topic string, partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(partitionKey{topic, partition})
	if offset <= p.committed {
		return 0, false
	}
	if _, found := slices.BinarySearch(p.pending, offset); !found {
		// never tracked, e.g. fetched before a restart of this tracker
		return 0, false
	}
	p.acked[offset] = true

	last, ok := int64(0), false
	for len(p.pending) > 0 && p.acked[p.pending[0]] {
		last, ok = p.pending[0], true
		delete(p.acked, p.pending[0])
		p.pending = p.pending[1:]
	}
	return last, ok
}

// needsCommit reports whether offset is beyond what was already committed.
func (t *offsetTracker) needsCommit(topic string, partition int, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return offset > t.partition(partitionKey{topic, partition}).committed
}

func (t *offsetTracker) committed(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.partition(partitionKey{topic, partition})
	if offset > p.committed {
		p.committed = offset
	}
}
