// Package gateway はGatewayのリクエストパイプラインと上流サービスへの転送を提供する。
//
// パイプラインは次の順に処理する。
//
//	相関ID → アクセスログ → エラー整形 → パニックリカバリ → CORS → ルート解決
//	→ レート制限 → 認証・認可（公開ルートは省略）→ サーキットブレーカー経由の転送
//
// /health、/metrics、/breakers はパイプラインを通さずに応答する。
// ルートはパスの最長一致で選び、一致した接頭辞を取り除いて転送する。
// 上流の5xxと通信失敗はブレーカーの失敗として数え、クライアントには502（タイムアウトは504）を返す。
// WebSocketはハンドシェイクのみをブレーカー経由で行い、その後はメッセージを双方向に中継する。
package gateway
