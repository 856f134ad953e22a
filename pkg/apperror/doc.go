// Package apperror はGatewayが返すすべてのエラーを5つのカテゴリに正規化する。
//
// Validation / Authentication / Authorization / Business / System の各カテゴリは
// 固定のコード範囲を持ち、クライアントには {code, message, details?, isOperational}
// 形式のエンベロープとして返す。detailsに含まれる機密キーはレスポンスとログの
// 両方から再帰的に除去する。
package apperror
