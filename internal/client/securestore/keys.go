package securestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/cryptox"
	"github.com/dmitrijs2005/fleetsession/internal/filex"
	"golang.org/x/sync/singleflight"
)

const (
	keyFileName  = "store.key"
	saltFileName = "store.salt"
)

// KeyProvider supplies the symmetric key used to seal envelopes. Errors
// should wrap common.ErrKeyUnavailable.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// FileKeyProvider keeps the store key in the data directory shared by all
// client processes. The first process to need a key creates it; the others
// read the same file.
//
// With a passphrase, only a random salt is persisted and the key is derived
// with argon2id on first use.
type FileKeyProvider struct {
	dir        string
	passphrase []byte

	group singleflight.Group
	mu    sync.RWMutex
	key   []byte
}

func NewFileKeyProvider(dir string, passphrase string) *FileKeyProvider {
	p := &FileKeyProvider{dir: dir}
	if passphrase != "" {
		p.passphrase = []byte(passphrase)
	}
	return p
}

func (p *FileKeyProvider) Key(ctx context.Context) ([]byte, error) {
	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	v, err, _ := p.group.Do("key", func() (any, error) {
		k, err := p.load()
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.key = k
		p.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrKeyUnavailable, err)
	}
	return v.([]byte), nil
}

func (p *FileKeyProvider) load() ([]byte, error) {
	if p.passphrase != nil {
		salt, err := loadOrCreate(filepath.Join(p.dir, saltFileName), cryptox.SaltSize)
		if err != nil {
			return nil, err
		}
		return cryptox.DeriveKey(p.passphrase, salt), nil
	}
	return loadOrCreate(filepath.Join(p.dir, keyFileName), cryptox.KeySize)
}

// loadOrCreate returns the size-byte secret stored at path, generating it
// when the file does not exist. A file of the wrong size is never replaced.
func loadOrCreate(path string, size int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		fresh := common.GenerateRandByteArray(size)
		if _, err := filex.CreateExclusive(path, fresh, 0o600); err != nil {
			return nil, err
		}
		common.WipeByteArray(fresh)
		// re-read: a sibling process may have won the race
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if len(b) != size {
		return nil, fmt.Errorf("%s: expected %d bytes, got %d", path, size, len(b))
	}
	return b, nil
}
