// Package authtest はトークン検証のテストで使用する鍵とトークンの生成ヘルパーを提供する。
// Gateway本体は秘密鍵を保持しないため、署名処理はこのパッケージにのみ置く。
package authtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nao1215/edgegate/pkg/auth"
)

// KeyPair はテスト用のRSA鍵ペア。
type KeyPair struct {
	// ID はトークンのkidヘッダーに設定する値。
	ID string
	// Private は署名用の秘密鍵。
	Private *rsa.PrivateKey
}

// NewKeyPair は2048ビットのRSA鍵ペアを生成する。
func NewKeyPair(t testing.TB, id string) *KeyPair {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("RSA鍵の生成に失敗: %v", err)
	}
	return &KeyPair{ID: id, Private: key}
}

// Public は公開鍵を返す。
func (k *KeyPair) Public() crypto.PublicKey {
	return &k.Private.PublicKey
}

// KeySet は公開鍵だけを含むKeySetを返す。
func (k *KeyPair) KeySet() *auth.KeySet {
	return auth.NewKeySet(map[string]crypto.PublicKey{k.ID: k.Public()})
}

// WritePublicPEM は公開鍵を dir/<ID>.pem に書き出してパスを返す。
func (k *KeyPair) WritePublicPEM(t testing.TB, dir string) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(k.Public())
	if err != nil {
		t.Fatalf("公開鍵のエンコードに失敗: %v", err)
	}
	path := filepath.Join(dir, k.ID+".pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("公開鍵ファイルの書き込みに失敗: %v", err)
	}
	return path
}

// Sign はclaimsをRS256で署名したトークンを返す。
func (k *KeyPair) Sign(t testing.TB, claims auth.Claims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if k.ID != "" {
		token.Header["kid"] = k.ID
	}
	signed, err := token.SignedString(k.Private)
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// Claims はsubjectと権限を持ち、ttl後に失効するクレームを返す。
func Claims(subject, role string, ttl time.Duration, permissions ...string) auth.Claims {
	now := time.Now()
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:        role,
		Permissions: permissions,
	}
}

// Token はsubjectと権限を持つ1時間有効なトークンを返す。
func (k *KeyPair) Token(t testing.TB, subject, role string, permissions ...string) string {
	t.Helper()
	return k.Sign(t, Claims(subject, role, time.Hour, permissions...))
}
