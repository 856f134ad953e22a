package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン検証の失敗理由。クライアントにはすべて同じ401として返す。
var (
	// ErrMissingToken はトークンが指定されていないことを表す。
	ErrMissingToken = errors.New("missing token")
	// ErrMalformedToken はトークンの形式が不正であることを表す。
	ErrMalformedToken = errors.New("malformed token")
	// ErrSignatureInvalid は署名を検証できなかったことを表す。
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrTokenExpired はトークンの有効期限が切れていることを表す。
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidClaims は発行者や対象者などのクレームが要件を満たさないことを表す。
	ErrInvalidClaims = errors.New("invalid claims")
)

// SupportedAlgorithms は受け付ける署名アルゴリズム。共通鍵方式は含まない。
var SupportedAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Claims はGatewayが解釈するJWTクレーム。
type Claims struct {
	jwt.RegisteredClaims
	// Role は呼び出し元のロール。
	Role string `json:"role,omitempty"`
	// Permissions は付与されている権限。
	Permissions []string `json:"permissions,omitempty"`
}

// Authenticator はBearerトークンを検証して Context を生成する。
// 複数のgoroutineから同時に使用できる。
type Authenticator struct {
	// keys は検証用の公開鍵。
	keys *KeySet
	// parser は検証オプションを適用済みのパーサー。
	parser *jwt.Parser
}

// options はAuthenticatorの生成オプションを保持する。
type options struct {
	issuer   string
	audience []string
	leeway   time.Duration
	now      func() time.Time
}

// Option はAuthenticatorの生成オプション。
type Option func(*options)

// WithIssuer は iss クレームが一致することを要求する。
func WithIssuer(iss string) Option {
	return func(o *options) { o.issuer = iss }
}

// WithAudience は aud クレームにいずれかが含まれることを要求する。
func WithAudience(aud ...string) Option {
	return func(o *options) { o.audience = aud }
}

// WithLeeway は時刻の検証に許容する誤差を設定する。
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewAuthenticator は新しいAuthenticatorを生成する。
func NewAuthenticator(keys *KeySet, opts ...Option) (*Authenticator, error) {
	if keys == nil {
		return nil, errors.New("公開鍵が指定されていません")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(SupportedAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(o.now),
	}
	if o.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(o.issuer))
	}
	if len(o.audience) > 0 {
		parserOpts = append(parserOpts, jwt.WithAudience(o.audience...))
	}
	if o.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(o.leeway))
	}

	return &Authenticator{
		keys:   keys,
		parser: jwt.NewParser(parserOpts...),
	}, nil
}

// Keys は検証に使用しているKeySetを返す。
func (a *Authenticator) Keys() *KeySet {
	return a.keys
}

// Authenticate はトークンを検証してContextを返す。
// 署名と有効期限の両方を検証できた場合のみContextを返す。
func (a *Authenticator) Authenticate(token string) (*Context, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(token, claims, a.keys.keyfunc); err != nil {
		return nil, classify(err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub クレームがありません", ErrMalformedToken)
	}

	ac := &Context{
		SubjectID:   claims.Subject,
		Role:        claims.Role,
		Permissions: make(map[string]struct{}, len(claims.Permissions)),
	}
	for _, p := range claims.Permissions {
		ac.Permissions[p] = struct{}{}
	}
	if claims.IssuedAt != nil {
		ac.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		ac.ExpiresAt = claims.ExpiresAt.Time
	}
	return ac, nil
}

// classify はjwtのエラーを失敗理由に変換する。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
}

// BearerToken はAuthorizationヘッダーの値からトークンを取り出す。
// ヘッダーが空の場合は ErrMissingToken、Bearer形式でない場合は ErrMalformedToken を返す。
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: Bearer形式ではありません", ErrMalformedToken)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
