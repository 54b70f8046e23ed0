package identity

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dep2p/go-overlay/pkg/types"
)

const pemTypePrivate = "ED25519 PRIVATE KEY"

// Store 身份持久化接口
type Store interface {
	// Load 加载身份，不存在时返回 types.ErrNotFound
	Load() (*Identity, error)

	// Save 保存身份
	Save(id *Identity) error
}

// ============================================================================
//                              FileStore
// ============================================================================

// FileStore 以 PEM 文件保存私钥
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load 从文件加载身份
func (s *FileStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("读取密钥文件失败: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypePrivate {
		return nil, fmt.Errorf("%w: 无效的 PEM 数据", types.ErrMalformedIdentity)
	}
	return Unmarshal(block.Bytes)
}

// Save 保存身份
//
// 先写临时文件再 rename，文件权限 0600。
func (s *FileStore) Save(id *Identity) error {
	data := pem.EncodeToMemory(&pem.Block{Type: pemTypePrivate, Bytes: id.Marshal()})

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("写入密钥失败: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// ============================================================================
//                              MemoryStore
// ============================================================================

// MemoryStore 内存存储（测试与临时节点）
type MemoryStore struct {
	id *Identity
}

var _ Store = (*MemoryStore)(nil)

// Load 加载身份
func (s *MemoryStore) Load() (*Identity, error) {
	if s.id == nil {
		return nil, types.ErrNotFound
	}
	return s.id, nil
}

// Save 保存身份
func (s *MemoryStore) Save(id *Identity) error {
	s.id = id
	return nil
}

// LoadOrGenerate 加载身份，不存在时生成并保存
//
// 身份损坏时返回错误，不会覆盖原文件。
func LoadOrGenerate(store Store) (*Identity, error) {
	id, err := store.Load()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := store.Save(id); err != nil {
		return nil, fmt.Errorf("保存身份失败: %w", err)
	}
	log.Info("已生成新身份", "peer", id.ID().ShortString())
	return id, nil
}
