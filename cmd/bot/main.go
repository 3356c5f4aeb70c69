package main

import (
	"context"
	"log"

	"bot_engine/internal/modules/config"
	"bot_engine/internal/modules/engine"
	"bot_engine/internal/modules/postgres"
	"bot_engine/pkg/logger"
	"bot_engine/pkg/tracing"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const serviceName = "bot_engine"

func main() {
	app := fx.New(
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		postgres.Module(),
		engine.Module(),
		fx.Invoke(initObservability),
	)
	if err := app.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
	<-app.Done()
	if err := app.Stop(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func initObservability(lc fx.Lifecycle, cfg *config.Config) {
	l, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	logger.Init(l)
	logger.SetServiceName(serviceName)
	tracing.SetServiceName(serviceName)

	if cfg.Tracing.Host == "" {
		return
	}
	tracer, closer, err := tracing.InitTracer(tracing.Config{
		Host: cfg.Tracing.Host,
		Port: cfg.Tracing.Port,
	})
	if err != nil {
		logger.Error("[MAIN] tracer init: %v", err)
		return
	}
	opentracing.SetGlobalTracer(tracer)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closer()
			return nil
		},
	})
}
