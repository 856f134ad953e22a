// Package ratelimit はクライアント単位の固定ウィンドウ方式のレート制限を提供する。
//
// 各クライアントキーはウィンドウごとに MaxPoints のポイントを持ち、
// リクエストごとに消費する。ウィンドウの期限切れは保存された windowResetAt から
// 遅延評価するため、バックグラウンドの掃除処理を必要とせず、
// 複数のGatewayインスタンスが1つのストアを共有しても正しく動作する。
//
// ストアはRedis（インスタンス間で共有）とプロセス内メモリの2種類を提供する。
package ratelimit
