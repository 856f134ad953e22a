// Package httpclient はGatewayから上流サービスへ転送するためのHTTPクライアントを提供する。
//
// ルートごとに1つの Client を生成し、接続プールを共有する。
// レスポンスボディはストリーミングで中継するため http.Client 全体のタイムアウトは設定せず、
// 呼び出しごとのタイムアウトはコンテキストの期限で与える。
package httpclient
