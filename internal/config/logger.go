package config

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger はロガーを生成する。
// 本番環境ではJSON形式のproductionロガー、それ以外では読みやすいdevelopmentロガーを使う。
func NewLogger(production bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if production {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("ロガーの生成に失敗: %w", err)
	}
	return logger.Named("edgegate"), nil
}
