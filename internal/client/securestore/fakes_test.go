package securestore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dmitrijs2005/fleetsession/internal/common"
)

type memRepo struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	deletes []string
}

func newMemRepo() *memRepo {
	return &memRepo{data: map[string][]byte{}}
}

func (r *memRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	v, ok := r.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (r *memRepo) Set(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[key] = append([]byte(nil), value...)
	return nil
}

func (r *memRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, key)
	delete(r.data, key)
	return nil
}

func (r *memRepo) List(_ context.Context, prefix string) (map[string][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string][]byte{}
	for k, v := range r.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (r *memRepo) raw(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	return v, ok
}

type staticKeys struct {
	key []byte
	err error
}

func (k *staticKeys) Key(context.Context) ([]byte, error) {
	if k.err != nil {
		return nil, k.err
	}
	return k.key, nil
}

func noKeys() *staticKeys {
	return &staticKeys{err: errors.Join(common.ErrKeyUnavailable, errors.New("read-only data dir"))}
}
