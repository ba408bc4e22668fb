package identity

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyNotFound 密钥文件不存在
var ErrKeyNotFound = errors.New("key not found")

// keyfile 是身份在磁盘上的 JSON 形式
//
// 只保存两个私钥种子，公开部分全部可重新派生。
type keyfile struct {
	Secp256k1Priv string `json:"secp256k1Priv"`
	Ed25519Seed   string `json:"ed25519Seed"`
}

// ============================================================================
//                              身份持久化
// ============================================================================

// Save 保存身份到密钥文件
//
// 使用原子写操作（临时文件 + rename）防止部分写入导致的文件损坏。
// 文件权限设置为 0600，仅所有者可读写。
func Save(id *Identity, path string) error {
	kf := keyfile{
		Secp256k1Priv: id.SecpPrivHex(),
		Ed25519Seed:   hex.EncodeToString(id.ed.Seed()),
	}

	data, err := json.MarshalIndent(&kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyfile: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keyfile directory: %w", err)
	}
	return atomicWriteFile(path, data, 0600)
}

// Load 从密钥文件加载身份
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("read keyfile: %w", err)
	}

	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keyfile: %w", err)
	}

	secpKey, err := hex.DecodeString(kf.Secp256k1Priv)
	if err != nil {
		return nil, fmt.Errorf("decode secp256k1 key: %w", err)
	}
	edSeed, err := hex.DecodeString(kf.Ed25519Seed)
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 seed: %w", err)
	}

	return FromSeeds(secpKey, edSeed)
}

// LoadOrCreate 加载密钥文件，不存在则生成并保存新身份
//
// 这是命令行入口使用的路径：同一数据目录下身份保持稳定。
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := Save(id, path); err != nil {
		return nil, err
	}
	return id, nil
}

// ============================================================================
//                              原子写操作
// ============================================================================

// atomicWriteFile 原子写文件
//
// 流程：
//  1. 写入同目录下的临时文件（前缀 .tmp-）
//  2. 同步到磁盘
//  3. 原子 rename 到目标路径
//
// 如果任何步骤失败，目标文件保持不变。
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// 确保失败时清理临时文件
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
