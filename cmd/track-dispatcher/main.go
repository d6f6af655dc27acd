package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/BearBump/trackpipe/config"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	// runOnce=true: один цикл и выход (для cron / k8s CronJob)
	runOnce, _ := strconv.ParseBool(os.Getenv("runOnce"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("track-dispatcher starting", "run_once", runOnce)
	err = RunTrackDispatcher(ctx, cfg, defaultDispatcherFactories(), dispatcherOpts{runOnce: runOnce})
	if err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
