// Package middleware はGatewayのリクエストパイプラインを構成する共通ミドルウェアを提供する。
//
// 相関IDの付与、アクセスログ、エラーレスポンスの整形、パニックリカバリ、
// CORS、Bearerトークンによる認証と認可を含む。
// エラーレスポンスを書き込むのは ErrorHandler だけで、他のミドルウェアは
// c.Error でエラーを登録して処理を中断する。
package middleware
