package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewFileStore 以 basePath 为根目录构建磁盘存储，每个代次一个子目录，
// 每个条目一个以键哈希命名的文件。整个进程复用一份实例。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// fileGeneration 绑定单个代次目录，Put/Match 直接落在目录内的条目文件上。
type fileGeneration struct {
	store   *fileStore
	version string
	dir     string
}

func (s *fileStore) Open(ctx context.Context, version string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(version)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", version, err)
	}
	return &fileGeneration{store: s, version: version, dir: dir}, nil
}

func (s *fileStore) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	return versions, nil
}

func (s *fileStore) Delete(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.namespaceDir(version)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

func (g *fileGeneration) Version() string {
	return g.version
}

func (g *fileGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock := g.store.lockEntry(g.version, key)
	defer unlock()

	data, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	filePath := g.entryPath(key)
	tempFile, err := os.CreateTemp(g.dir, ".entry-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(g.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeResponse(data)
}

// entryPath 用键哈希作为文件名，避免 URL 中的特殊字符污染目录结构。
func (g *fileGeneration) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:])+".entry")
}

func (s *fileStore) lockEntry(version string, key Key) func() {
	lockKey := version + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// namespaceDir 校验版本标签后返回代次目录，防止路径穿越。
func (s *fileStore) namespaceDir(version string) (string, error) {
	if version == "" {
		return "", errors.New("version label required")
	}
	if version == "." || version == ".." || strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("invalid version label: %s", version)
	}
	return filepath.Join(s.basePath, version), nil
}
