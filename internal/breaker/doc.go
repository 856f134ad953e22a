// Package breaker は下流サービスごとのサーキットブレーカーを提供する。
//
// 各サービスは CLOSED / OPEN / HALF_OPEN の状態を持ち、失敗率が閾値を
// 超えると呼び出しを即座に拒否する。OPENからHALF_OPENへの遷移は単一の
// 比較交換で行い、試行呼び出しは常に1つだけ許可される。ネットワーク呼び出しの
// 間はロックを保持しない。
//
// Managerはサービス名からブレーカーへのレジストリで、起動時に全サービス分を
// 生成し、プロセスの生存期間中は変更しない。
package breaker
