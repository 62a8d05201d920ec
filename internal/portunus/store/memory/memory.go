package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BrandonDHaskell/portunus-nfc/internal/portunus/store"
)

// RecordStore is an in-process store.RecordStore backed by one decoded JSON
// tree.  All operations take the tree lock, so each call is atomic.
type RecordStore struct {
	mu   sync.RWMutex
	root map[string]any
}

func NewRecordStore() *RecordStore {
	return &RecordStore{root: map[string]any{}}
}

var _ store.RecordStore = (*RecordStore)(nil)

func (s *RecordStore) Get(_ context.Context, path string) (json.RawMessage, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := store.GetIn(s.root, segs)
	if !ok {
		return nil, store.ErrNotFound
	}
	return json.Marshal(node)
}

func (s *RecordStore) Set(_ context.Context, path string, value any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	v, err := store.Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v == nil {
		store.DeleteIn(s.root, segs)
		return nil
	}
	store.SetIn(s.root, segs, v)
	return nil
}

func (s *RecordStore) Update(_ context.Context, path string, fields map[string]any) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}
	nf, err := store.NormalizeFields(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _ := store.GetIn(s.root, segs)
	store.SetIn(s.root, segs, store.Merge(cur, nf))
	return nil
}

func (s *RecordStore) Push(ctx context.Context, collection string, value any) (string, error) {
	if _, err := store.SplitPath(collection); err != nil {
		return "", err
	}
	key := store.NewKey()
	if err := s.Set(ctx, store.JoinPath(collection, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RecordStore) Remove(_ context.Context, path string) error {
	segs, err := store.SplitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	store.DeleteIn(s.root, segs)
	return nil
}

func (s *RecordStore) Exists(_ context.Context, path string) (bool, error) {
	segs, err := store.SplitPath(path)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := store.GetIn(s.root, segs)
	return ok, nil
}

func (s *RecordStore) Query(_ context.Context, collection string, conds ...store.Condition) ([]store.Record, error) {
	segs, err := store.SplitPath(collection)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := store.GetIn(s.root, segs)
	if !ok {
		return nil, nil
	}
	return store.Children(node, conds)
}
