// Package auth はBearerトークンの検証と認可判定を提供する。
//
// トークンは非対称鍵（RSA / ECDSA / Ed25519）で署名されたJWTのみを受け付け、
// Gatewayは公開鍵だけを保持する。署名と有効期限の両方を検証できたトークンからのみ
// Context を生成する。検証失敗の理由は呼び出し側でログに残すために区別して返すが、
// クライアントには常に同じ401として返すこと。
package auth
