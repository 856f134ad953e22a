package auth

import (
	"crypto"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// errUnknownKey はkidに対応する鍵が見つからないことを表す。
var errUnknownKey = errors.New("unknown key id")

// KeySet はトークン検証用の公開鍵の集合。
// 鍵はPEMファイルから読み込み、ファイル名（拡張子を除く）をkidとして扱う。
// 鍵のローテーションはファイルを差し替えて Reload を呼び出すことで行う。
type KeySet struct {
	// mu はkeysの差し替えを保護する。
	mu sync.RWMutex
	// paths は読み込み元のPEMファイル。NewKeySet で生成した場合は空。
	paths []string
	// keys はkidごとの公開鍵。
	keys map[string]crypto.PublicKey
}

// NewKeySet はメモリ上の公開鍵からKeySetを生成する。主にテストで使用する。
func NewKeySet(keys map[string]crypto.PublicKey) *KeySet {
	copied := make(map[string]crypto.PublicKey, len(keys))
	for kid, k := range keys {
		copied[kid] = k
	}
	return &KeySet{keys: copied}
}

// LoadKeySet はPEMファイルから公開鍵を読み込む。
func LoadKeySet(paths ...string) (*KeySet, error) {
	if len(paths) == 0 {
		return nil, errors.New("公開鍵ファイルが指定されていません")
	}
	ks := &KeySet{paths: slices.Clone(paths)}
	if err := ks.Reload(); err != nil {
		return nil, err
	}
	return ks, nil
}

// Reload はPEMファイルを再読み込みする。
// 1つでも読み込みに失敗した場合は既存の鍵を維持してエラーを返す。
func (ks *KeySet) Reload() error {
	if len(ks.paths) == 0 {
		return nil
	}
	keys := make(map[string]crypto.PublicKey, len(ks.paths))
	for _, path := range ks.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("公開鍵ファイルの読み込みに失敗: %w", err)
		}
		key, err := parsePublicKey(data)
		if err != nil {
			return fmt.Errorf("公開鍵のパースに失敗 (%s): %w", path, err)
		}
		kid := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if _, dup := keys[kid]; dup {
			return fmt.Errorf("kidが重複しています: %s", kid)
		}
		keys[kid] = key
	}

	ks.mu.Lock()
	ks.keys = keys
	ks.mu.Unlock()
	return nil
}

// KeyIDs は登録されているkidをソートして返す。
func (ks *KeySet) KeyIDs() []string {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	ids := make([]string, 0, len(ks.keys))
	for kid := range ks.keys {
		ids = append(ids, kid)
	}
	slices.Sort(ids)
	return ids
}

// keyfunc はjwt.Keyfuncを実装する。
// kidヘッダーがあればその鍵を、なければ登録済みのすべての鍵を候補として返す。
func (ks *KeySet) keyfunc(t *jwt.Token) (any, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if kid, ok := t.Header["kid"].(string); ok && kid != "" {
		key, found := ks.keys[kid]
		if !found {
			return nil, fmt.Errorf("%w: %s", errUnknownKey, kid)
		}
		return key, nil
	}

	set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(ks.keys))}
	for _, kid := range slices.Sorted(maps.Keys(ks.keys)) {
		set.Keys = append(set.Keys, ks.keys[kid])
	}
	return set, nil
}

// parsePublicKey はPEMをRSA、ECDSA、Ed25519の順に試してパースする。
func parsePublicKey(data []byte) (crypto.PublicKey, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(data); err == nil {
		return k, nil
	}
	k, err := jwt.ParseEdPublicKeyFromPEM(data)
	if err != nil {
		return nil, errors.New("RSA、ECDSA、Ed25519のいずれの公開鍵でもありません")
	}
	return k, nil
}
