package videostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vodpipe/internal/errs"
	"vodpipe/internal/models"
)

// MemoryStore keeps videos in a map. When a snapshot path is configured
// every mutation is written to disk before it becomes visible, and a failed
// write rolls the mutation back.
type MemoryStore struct {
	mu       sync.RWMutex
	videos   map[string]models.Video
	snapshot string
	now      func() time.Time
}

type snapshotFile struct {
	Videos map[string]models.Video `json:"videos"`
}

// NewMemoryStore opens a store, loading path when it exists. An empty path
// disables persistence.
func NewMemoryStore(opts ...Option) (*MemoryStore, error) {
	cfg := newConfig(opts...)
	store := &MemoryStore{
		videos:   make(map[string]models.Video),
		snapshot: cfg.SnapshotPath,
		now:      cfg.Clock,
	}
	if store.snapshot == "" {
		return store, nil
	}
	data, err := os.ReadFile(store.snapshot)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read video snapshot: %w", err)
	}
	if len(data) == 0 {
		return store, nil
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode video snapshot: %w", err)
	}
	for id, video := range file.Videos {
		store.videos[id] = video
	}
	return store, nil
}

func (s *MemoryStore) persistLocked() error {
	if s.snapshot == "" {
		return nil
	}
	data, err := json.MarshalIndent(snapshotFile{Videos: s.videos}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode video snapshot: %w", err)
	}
	dir := filepath.Dir(s.snapshot)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.Transient, err, "create snapshot directory")
	}
	tmp, err := os.CreateTemp(dir, ".videos-*.json")
	if err != nil {
		return errs.Wrap(errs.Transient, err, "create snapshot")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Wrap(errs.Transient, err, "write snapshot")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.Transient, err, "close snapshot")
	}
	if err := os.Rename(tmpName, s.snapshot); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.Transient, err, "commit snapshot")
	}
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, video models.Video) (models.Video, error) {
	video, err := validateNew(video, s.now())
	if err != nil {
		return models.Video{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.videos[video.ID]; exists {
		return models.Video{}, errs.New(errs.Conflict, fmt.Sprintf("video %s already exists", video.ID))
	}
	s.videos[video.ID] = video
	if err := s.persistLocked(); err != nil {
		delete(s.videos, video.ID)
		return models.Video{}, err
	}
	return video, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (models.Video, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.videos[id]
	if !ok {
		return models.Video{}, notFound(id)
	}
	return video, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]models.Video, error) {
	s.mu.RLock()
	videos := make([]models.Video, 0, len(s.videos))
	for _, video := range s.videos {
		if filter.matches(video) {
			videos = append(videos, video)
		}
	}
	s.mu.RUnlock()
	models.SortNewestFirst(videos)
	if filter.Limit > 0 && len(videos) > filter.Limit {
		videos = videos[:filter.Limit]
	}
	return videos, nil
}

// update applies mutate to the stored video under the write lock.
func (s *MemoryStore) update(id string, to models.Status, mutate func(*models.Video) error) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	original, ok := s.videos[id]
	if !ok {
		return models.Video{}, notFound(id)
	}
	if original.VideoType != models.VideoTypeUpload {
		return models.Video{}, errs.New(errs.Conflict, fmt.Sprintf("video %s is not an upload", id))
	}
	if !models.CanTransition(original.Status, to) {
		return models.Video{}, invalidTransition(id, original.Status, to)
	}
	updated := original
	if err := mutate(&updated); err != nil {
		return models.Video{}, err
	}
	s.videos[id] = updated
	if err := s.persistLocked(); err != nil {
		s.videos[id] = original
		return models.Video{}, err
	}
	return updated, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string) (models.Video, error) {
	return s.update(id, models.StatusProcessing, func(v *models.Video) error {
		v.Status = models.StatusProcessing
		return nil
	})
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id string, result models.TranscodeResult, at time.Time) (models.Video, error) {
	return s.update(id, models.StatusCompleted, func(v *models.Video) error {
		return applyCompleted(v, result, at)
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, message string, at time.Time) (models.Video, error) {
	return s.update(id, models.StatusFailed, func(v *models.Video) error {
		applyFailed(v, message, at)
		return nil
	})
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	video, ok := s.videos[id]
	if !ok {
		return notFound(id)
	}
	delete(s.videos, id)
	if err := s.persistLocked(); err != nil {
		s.videos[id] = video
		return err
	}
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
