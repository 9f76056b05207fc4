// 認証サービスのエントリポイント。
// ユーザー登録、ログイン、トークンのリフレッシュとセッションの失効を担当する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/edgeauth/internal/auth"
	"github.com/nao1215/edgeauth/pkg/config"
	"github.com/nao1215/edgeauth/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadAuth()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Log.Logging(), "auth")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := auth.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("認証サービスの初期化に失敗", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("接続のクローズに失敗", zap.Error(err))
		}
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error("認証サービスが異常終了", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("認証サービスを停止")
}
