// Package config はGatewayの設定の読み込みと検証、ロガーの生成を提供する。
//
// 設定はYAMLファイルから読み込み、GATEWAY_ で始まる環境変数で上書きできる。
// 起動時に .env ファイルがあれば先に環境変数として読み込む。
// ルートの一覧は起動時に確定し、実行中に変更しない。
package config
