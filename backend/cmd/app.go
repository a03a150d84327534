package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/avoran/chathub/backend/call"
	"github.com/avoran/chathub/backend/dispatch"
	"github.com/avoran/chathub/backend/registry"
	"github.com/avoran/chathub/backend/router"
	httpServer "github.com/avoran/chathub/backend/server/http"
	websocketServer "github.com/avoran/chathub/backend/server/websocket"
	"github.com/avoran/chathub/backend/storage/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":5001", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket listen address")
		dbPath        = fs.StringP("db-path", "d", "chat.db", "sqlite database path")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	store, err := sqlite.Open(*dbPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer func() {
		_ = store.Close()
	}()

	var (
		reg   = registry.New(&logger)
		rt    = router.New(&logger)
		calls = call.NewTable(&logger)
	)
	disp := dispatch.New(dispatch.Config{
		Registry: reg,
		Router:   rt,
		Calls:    calls,
		Store:    store,
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		History:    store,
		Presence:   reg,
		Calls:      calls,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Dispatcher: disp,
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
