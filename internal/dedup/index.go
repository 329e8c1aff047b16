package dedup

import (
	"context"
	"hash/fnv"
	"sync"
)

// Index tracks which normalized recipients a campaign has already claimed.
// Recipients come in normalized form; see Normalize.
type Index interface {
	IsNew(ctx context.Context, campaignID, recipient string) (bool, error)
	// MarkSent claims recipient atomically and reports whether this caller inserted it.
	MarkSent(ctx context.Context, campaignID, recipient string) (bool, error)
	// Release drops a claim after a terminal failure.
	Release(ctx context.Context, campaignID, recipient string) error
	// Refresh seeds the index with recipients already recorded in the delivery log.
	Refresh(ctx context.Context, campaignID string, recipients []string) error
	Forget(ctx context.Context, campaignID string) error
}

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// MemoryIndex is a process-local Index sharded by campaign.
type MemoryIndex struct {
	shards [shardCount]shard
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{}
	for i := range idx.shards {
		idx.shards[i].sets = make(map[string]map[string]struct{})
	}
	return idx
}

func (m *MemoryIndex) shardFor(campaignID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(campaignID))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *MemoryIndex) IsNew(_ context.Context, campaignID, recipient string) (bool, error) {
	s := m.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.sets[campaignID][recipient]
	return !seen, nil
}

func (m *MemoryIndex) MarkSent(_ context.Context, campaignID, recipient string) (bool, error) {
	s := m.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[campaignID]
	if !ok {
		set = make(map[string]struct{})
		s.sets[campaignID] = set
	}
	if _, seen := set[recipient]; seen {
		return false, nil
	}
	set[recipient] = struct{}{}
	return true, nil
}

func (m *MemoryIndex) Release(_ context.Context, campaignID, recipient string) error {
	s := m.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[campaignID], recipient)
	return nil
}

func (m *MemoryIndex) Refresh(_ context.Context, campaignID string, recipients []string) error {
	s := m.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[campaignID]
	if !ok {
		set = make(map[string]struct{}, len(recipients))
		s.sets[campaignID] = set
	}
	for _, r := range recipients {
		set[r] = struct{}{}
	}
	return nil
}

func (m *MemoryIndex) Forget(_ context.Context, campaignID string) error {
	s := m.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, campaignID)
	return nil
}
