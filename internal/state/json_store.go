package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// CurrentSchemaVersion for state file migrations.
const CurrentSchemaVersion = 1

// jsonDocument wraps a state file's payload with integrity metadata. The
// checksum is computed over the document with the checksum field empty.
type jsonDocument struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Payload       json.RawMessage `json:"payload"`
	Checksum      string          `json:"checksum,omitempty"`
}

// jsonFile handles one durable JSON file with checksum verification, a
// rolling backup, and atomic temp-then-rename writes.
type jsonFile struct {
	path   string
	logger *events.Logger
}

func (f *jsonFile) load(payload interface{}) error {
	if _, err := os.Stat(f.path); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		if bErr := f.loadBackup(payload); bErr == nil {
			f.logger.Warn("Loaded state from backup due to corruption")
			return nil
		}
		return fmt.Errorf("state file corrupt: %w", err)
	}

	if doc.Checksum != "" {
		expected := doc.Checksum
		doc.Checksum = ""
		verifyData, _ := json.Marshal(doc)
		hash := sha256.Sum256(verifyData)
		if calculated := hex.EncodeToString(hash[:]); calculated != expected {
			f.logger.WithFields(map[string]interface{}{
				"expected": expected,
				"actual":   calculated,
			}).Error("State checksum mismatch")
			if bErr := f.loadBackup(payload); bErr == nil {
				return nil
			}
			return fmt.Errorf("state file corrupt: checksum mismatch")
		}
	}

	if doc.SchemaVersion != CurrentSchemaVersion {
		f.logger.WithField("version", doc.SchemaVersion).Warn("State schema version mismatch")
	}

	return json.Unmarshal(doc.Payload, payload)
}

func (f *jsonFile) loadBackup(payload interface{}) error {
	data, err := os.ReadFile(f.path + ".backup")
	if err != nil {
		return err
	}
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return json.Unmarshal(doc.Payload, payload)
}

func (f *jsonFile) save(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	doc := jsonDocument{
		SchemaVersion: CurrentSchemaVersion,
		SavedAt:       time.Now().UTC(),
		Payload:       raw,
	}
	checksumData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal state for checksum: %w", err)
	}
	hash := sha256.Sum256(checksumData)
	doc.Checksum = hex.EncodeToString(hash[:])

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state with checksum: %w", err)
	}

	if _, err := os.Stat(f.path); err == nil {
		if err := copyFile(f.path, f.path+".backup"); err != nil {
			f.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if file, err := os.Open(tmpPath); err == nil {
		_ = file.Sync()
		file.Close()
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// JSONLinkStore is a file-backed LinkStore. The whole link set lives in one
// JSON document; writes rewrite the file atomically. Suited to CLI use, not
// high concurrency.
type JSONLinkStore struct {
	mu     sync.RWMutex
	file   jsonFile
	links  map[string]*models.SyncLink
	logger *events.Logger
}

// NewJSONLinkStore opens (or creates) a link store under baseDir.
func NewJSONLinkStore(baseDir string, logger *events.Logger) (*JSONLinkStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	logger = logger.WithField("component", "json_link_store")
	s := &JSONLinkStore{
		file:   jsonFile{path: filepath.Join(baseDir, "links.json"), logger: logger},
		links:  make(map[string]*models.SyncLink),
		logger: logger,
	}
	if err := s.file.load(&s.links); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *JSONLinkStore) Get(_ context.Context, localID string, partner models.Partner) (*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[models.LinkKey(localID, partner)]
	if !ok {
		return nil, models.ErrLinkNotFound
	}
	return link.Clone(), nil
}

func (s *JSONLinkStore) Create(ctx context.Context, link *models.SyncLink) error {
	if err := link.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.links[link.Key()]; exists {
		return models.ErrAlreadyLinked
	}
	s.links[link.Key()] = link.Clone()
	return s.persist(link.Key())
}

func (s *JSONLinkStore) Update(ctx context.Context, link *models.SyncLink, expectedRemoteVersion string) error {
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
	return s.persist(link.Key())
}

func (s *JSONLinkStore) SetStatus(_ context.Context, localID string, partner models.Partner, status models.SyncStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.LinkKey(localID, partner)
	link, ok := s.links[key]
	if !ok {
		return models.ErrLinkNotFound
	}
	link.Status = status
	link.LastError = lastError
	return s.persist(key)
}

func (s *JSONLinkStore) FindByRemoteID(_ context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, link := range s.links {
		if link.Partner == partner && link.RemoteID == remoteID {
			return link.Clone(), nil
		}
	}
	return nil, models.ErrLinkNotFound
}

func (s *JSONLinkStore) List(_ context.Context) ([]*models.SyncLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	links := make([]*models.SyncLink, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link.Clone())
	}
	return links, nil
}

func (s *JSONLinkStore) Close() error {
	return nil
}

// persist flushes the link map; the caller holds the write lock. On write
// failure the in-memory entry is dropped so memory never diverges from disk.
func (s *JSONLinkStore) persist(key string) error {
	if err := s.file.save(s.links); err != nil {
		delete(s.links, key)
		return err
	}
	return nil
}

// JSONConflictStore is a file-backed ConflictStore.
type JSONConflictStore struct {
	mu     sync.RWMutex
	file   jsonFile
	log    []*models.ConflictRecord
	logger *events.Logger
}

// NewJSONConflictStore opens (or creates) a conflict store under baseDir.
func NewJSONConflictStore(baseDir string, logger *events.Logger) (*JSONConflictStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	logger = logger.WithField("component", "json_conflict_store")
	s := &JSONConflictStore{
		file:   jsonFile{path: filepath.Join(baseDir, "conflicts.json"), logger: logger},
		logger: logger,
	}
	if err := s.file.load(&s.log); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

func (s *JSONConflictStore) Append(_ context.Context, conflict *models.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, conflict.Clone())
	if err := s.file.save(s.log); err != nil {
		s.log = s.log[:len(s.log)-1]
		return err
	}
	return nil
}

func (s *JSONConflictStore) Get(_ context.Context, id string) (*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.log {
		if c.ID == id {
			return c.Clone(), nil
		}
	}
	return nil, models.ErrConflictNotFound
}

func (s *JSONConflictStore) ListPending(_ context.Context) ([]*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, c := range s.log {
		if !c.Resolved() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *JSONConflictStore) ListByRecord(_ context.Context, localID string) ([]*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ConflictRecord
	for _, c := range s.log {
		if c.LocalID == localID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (s *JSONConflictStore) Resolve(_ context.Context, id string, resolution models.Resolution) (*models.ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.log {
		if c.ID != id {
			continue
		}
		if c.Resolved() {
			return nil, models.ErrAlreadyResolved
		}
		c.Status = models.ResolutionResolved
		c.Resolution = &resolution
		if err := s.file.save(s.log); err != nil {
			c.Status = models.ResolutionPending
			c.Resolution = nil
			return nil, err
		}
		return c.Clone(), nil
	}
	return nil, models.ErrConflictNotFound
}

func (s *JSONConflictStore) Close() error {
	return nil
}
