package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Context は検証済みトークンから導出したリクエスト単位の認証情報。
// 永続化せず、リクエストの完了とともに破棄する。
type Context struct {
	// SubjectID はトークンの sub クレーム。
	SubjectID string
	// Role は呼び出し元のロール。
	Role string
	// Permissions は付与されている権限の集合。
	Permissions map[string]struct{}
	// IssuedAt はトークンの発行日時。未設定の場合はゼロ値。
	IssuedAt time.Time
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// HasPermission は権限pを持っていればtrueを返す。
func (c *Context) HasPermission(p string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Permissions[p]
	return ok
}

// PermissionList は権限をソート済みのスライスで返す。
func (c *Context) PermissionList() []string {
	if c == nil {
		return nil
	}
	list := make([]string, 0, len(c.Permissions))
	for p := range c.Permissions {
		list = append(list, p)
	}
	slices.Sort(list)
	return list
}

// ErrForbidden は必要な権限が不足していることを表す。
var ErrForbidden = errors.New("forbidden")

// Authorize はcが required のすべての権限を持つか判定する。
// 1つでも欠けている場合は ErrForbidden を返す。
func Authorize(c *Context, required ...string) error {
	if len(required) == 0 {
		return nil
	}
	if c == nil {
		return fmt.Errorf("%w: 認証情報がありません", ErrForbidden)
	}
	var missing []string
	for _, p := range required {
		if !c.HasPermission(p) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: 権限が不足しています: %s", ErrForbidden, strings.Join(missing, ","))
	}
	return nil
}
