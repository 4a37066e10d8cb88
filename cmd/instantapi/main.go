// Command instantapi serves the example task methods over JSON-RPC 2.0.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnehpets/instantapi/example/tasks"
	"github.com/mnehpets/instantapi/middleware"
	"github.com/mnehpets/instantapi/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		envFile    = flag.String("env-file", "", "env file to load instead of .env")
		mintUser   = flag.String("mint-user", "", "print a sealed user cookie for this user id and exit")
		mintTTL    = flag.Duration("mint-ttl", 24*time.Hour, "lifetime of a minted user cookie")
	)
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := server.LoadConfig(*configPath, envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "instantapi: %v\n", err)
		os.Exit(2)
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	if cfg.Production() {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	modules, err := tasks.Modules(logger)
	if err != nil {
		logger.Error("building modules", "error", err)
		os.Exit(1)
	}
	srv, err := server.New(cfg, modules, server.WithLogger(logger))
	if err != nil {
		logger.Error("creating server", "error", err)
		os.Exit(1)
	}

	if *mintUser != "" {
		if srv.UserCookie() == nil {
			logger.Error("minting a user cookie requires INSTANTAPI_USER_KEY")
			os.Exit(2)
		}
		ck, err := srv.UserCookie().Seal(middleware.User{ID: *mintUser, IssuedAt: time.Now().Unix()}, *mintTTL)
		if err != nil {
			logger.Error("sealing user cookie", "error", err)
			os.Exit(1)
		}
		fmt.Println(ck.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
