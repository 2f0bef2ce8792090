package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/escrowdex/exchange/params"
	"github.com/escrowdex/exchange/pkg/api"
	"github.com/escrowdex/exchange/pkg/app/exchange"
	"github.com/escrowdex/exchange/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Log.File)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File)

	app, err := exchange.New(cfg.Store.Path, sugar, util.RealClock{})
	if err != nil {
		sugar.Fatalw("engine_init_failed", "err", err)
	}
	defer app.Close()
	sugar.Infow("engine_ready", "db_path", cfg.Store.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(app, cfg.API.AllowedOrigins, sugar)
	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
}
