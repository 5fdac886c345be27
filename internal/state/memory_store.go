package state

import (
	"context"
	"sort"
	"sync"

	"github.com/TheMichaelB/dealsync/internal/models"
)

// MemoryLinkStore is an in-memory LinkStore for tests and dry runs. Safe for
// concurrent use.
type MemoryLinkStore struct {
	mu    sync.RWMutex
	links map[string]*models.SyncLink
}

// NewMemoryLinkStore creates an empty in-memory link store.
func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{links: make(map[string]*models.SyncLink)}
}

func (s *MemoryLinkStore) Get(_ context.Context, localID string, partner models.Partner) (*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[models.LinkKey(localID, partner)]
	if !ok {
		return nil, models.ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (s *MemoryLinkStore) Create(_ context.Context, link *models.SyncLink) error {
	if err := link.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link.Key()]; exists {
		return models.ErrAlreadyLinked
	}
	s.links[link.Key()] = link.Clone()
	return nil
}

func (s *MemoryLinkStore) Update(_ context.Context, link *models.SyncLink, expectedRemoteVersion string) error {
	if err := link.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.links[link.Key()]
	if !ok {
		return models.ErrLinkNotFound
	}
	if current.RemoteVersion != expectedRemoteVersion {
		return models.ErrVersionConflict
	}
	s.links[link.Key()] = link.Clone()
	return nil
}

func (s *MemoryLinkStore) SetStatus(_ context.Context, localID string, partner models.Partner, status models.SyncStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	link, ok := s.links[models.LinkKey(localID, partner)]
	if !ok {
		return models.ErrLinkNotFound
	}
	link.Status = status
	link.LastError = lastError
	return nil
}

func (s *MemoryLinkStore) FindByRemoteID(_ context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, link := range s.links {
		if link.Partner == partner && link.RemoteID == remoteID {
			return link.Clone(), nil
		}
	}
	return nil, models.ErrLinkNotFound
}

func (s *MemoryLinkStore) List(_ context.Context) ([]*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.links))
	for k := range s.links {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	links := make([]*models.SyncLink, 0, len(keys))
	for _, k := range keys {
		links = append(links, s.links[k].Clone())
	}
	return links, nil
}

func (s *MemoryLinkStore) Close() error {
	return nil
}

// MemoryConflictStore is an in-memory ConflictStore.
type MemoryConflictStore struct {
	mu        sync.RWMutex
	conflicts map[string]*models.ConflictRecord
	seq       []string // ids in append order
}

// NewMemoryConflictStore creates an empty in-memory conflict store.
func NewMemoryConflictStore() *MemoryConflictStore {
	return &MemoryConflictStore{conflicts: make(map[string]*models.ConflictRecord)}
}

func (s *MemoryConflictStore) Append(_ context.Context, conflict *models.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conflicts[conflict.ID] = conflict.Clone()
	s.seq = append(s.seq, conflict.ID)
	return nil
}

func (s *MemoryConflictStore) Get(_ context.Context, id string) (*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, models.ErrConflictNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryConflictStore) ListPending(_ context.Context) ([]*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, id := range s.seq {
		if c := s.conflicts[id]; !c.Resolved() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *MemoryConflictStore) ListByRecord(_ context.Context, localID string) ([]*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, id := range s.seq {
		if c := s.conflicts[id]; c.LocalID == localID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *MemoryConflictStore) Resolve(_ context.Context, id string, resolution models.Resolution) (*models.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return nil, models.ErrConflictNotFound
	}
	if c.Resolved() {
		return nil, models.ErrAlreadyResolved
	}
	c.Status = models.ResolutionResolved
	c.Resolution = &resolution
	return c.Clone(), nil
}

func (s *MemoryConflictStore) Close() error {
	return nil
}
