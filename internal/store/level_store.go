package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// 代次标记键前缀，Open 时写入，用于 Namespaces 枚举。
	levelMarkerPrefix = "g:"
	// 条目键前缀，后接 "<version>\x00<key>"。
	levelEntryPrefix = "e:"
)

// NewLevelStore 在 basePath 下打开 LevelDB 存储，所有代次共用同一个库，
// 通过键前缀划分命名空间。
func NewLevelStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(abs, "leveldb"), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}

	return &levelStore{db: db}, nil
}

type levelStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	closed bool
}

type levelGeneration struct {
	store   *levelStore
	version string
}

func (s *levelStore) Open(ctx context.Context, version string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLabel(version); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if err := db.Put([]byte(levelMarkerPrefix+version), []byte{}, nil); err != nil {
		return nil, fmt.Errorf("mark namespace %s: %w", version, err)
	}
	return &levelGeneration{store: s, version: version}, nil
}

func (s *levelStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	it := db.NewIterator(util.BytesPrefix([]byte(levelMarkerPrefix)), nil)
	defer it.Release()

	var versions []string
	for it.Next() {
		versions = append(versions, strings.TrimPrefix(string(it.Key()), levelMarkerPrefix))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *levelStore) Delete(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateLabel(version); err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(levelMarkerPrefix + version))

	prefix := []byte(entryKeyPrefix(version))
	it := db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	iterErr := it.Error()
	it.Release()
	if iterErr != nil {
		return iterErr
	}

	return db.Write(batch, nil)
}

func (s *levelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *levelStore) handle() (*leveldb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (g *levelGeneration) Version() string {
	return g.version
}

func (g *levelGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := g.store.handle()
	if err != nil {
		return err
	}
	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	return db.Put([]byte(entryKey(g.version, key)), data, nil)
}

func (g *levelGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := g.store.handle()
	if err != nil {
		return nil, err
	}
	data, err := db.Get([]byte(entryKey(g.version, key)), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeResponse(data)
}

// entryKeyPrefix 返回某代次全部条目的键前缀，\x00 分隔符保证代次之间不串扰。
func entryKeyPrefix(version string) string {
	return levelEntryPrefix + version + "\x00"
}

func entryKey(version string, key Key) string {
	return entryKeyPrefix(version) + key.String()
}

func validateLabel(version string) error {
	if version == "" {
		return errors.New("version label required")
	}
	if strings.Contains(version, "\x00") {
		return fmt.Errorf("invalid version label: %q", version)
	}
	return nil
}
