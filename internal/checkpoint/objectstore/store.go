// Package objectstore keeps one JSON checkpoint object per thread in an object store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/duckmesh/dbagent/internal/checkpoint"
	"github.com/duckmesh/dbagent/internal/storage"
)

type Store struct {
	objects storage.ObjectStore
	prefix  string
}

func NewStore(objects storage.ObjectStore, prefix string) *Store {
	return &Store{objects: objects, prefix: prefix}
}

func (s *Store) Load(ctx context.Context, threadID string) ([]byte, error) {
	key, err := storage.CheckpointKey(s.prefix, threadID)
	if err != nil {
		return nil, err
	}
	body, err := s.objects.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	state, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", key, err)
	}
	return state, nil
}

func (s *Store) Save(ctx context.Context, threadID string, state []byte) error {
	key, err := storage.CheckpointKey(s.prefix, threadID)
	if err != nil {
		return err
	}
	_, err = s.objects.Put(ctx, key, bytes.NewReader(state), int64(len(state)), storage.PutOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put checkpoint %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, threadID string) error {
	key, err := storage.CheckpointKey(s.prefix, threadID)
	if err != nil {
		return err
	}
	if err := s.objects.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

// List scans the checkpoint directory and keeps ids that start with prefix.
// UpdatedAt is the object's last modification time.
func (s *Store) List(ctx context.Context, prefix string) ([]checkpoint.Entry, error) {
	objects, err := s.objects.List(ctx, storage.CheckpointDir(s.prefix))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	entries := make([]checkpoint.Entry, 0, len(objects))
	for _, obj := range objects {
		threadID, ok := storage.ThreadIDFromKey(s.prefix, obj.Key)
		if !ok || !strings.HasPrefix(threadID, prefix) {
			continue
		}
		entries = append(entries, checkpoint.Entry{ThreadID: threadID, UpdatedAt: obj.LastModified})
	}
	checkpoint.SortEntries(entries)
	return entries, nil
}
