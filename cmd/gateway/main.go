// エッジゲートウェイのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、アクセストークンを検証してから
// 内部サービスへリクエストを転送する。
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/edgeauth/internal/gateway"
	"github.com/nao1215/edgeauth/pkg/config"
	"github.com/nao1215/edgeauth/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	logger, err := logging.New(cfg.Log.Logging(), "gateway")
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	server, err := gateway.NewServer(cfg, logger)
	if err != nil {
		logger.Error("ゲートウェイの初期化に失敗", zap.Error(err))
		os.Exit(1)
	}
	defer func() { _ = server.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		logger.Error("ゲートウェイが異常終了", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("ゲートウェイを停止")
}
