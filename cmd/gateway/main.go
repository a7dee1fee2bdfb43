package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/georelay/georelay/cmd/flags"
	"github.com/georelay/georelay/httpserver"
	"github.com/georelay/georelay/registry"
	"github.com/georelay/georelay/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "Serve object downloads and multipart uploads routed to the nearest regional storage backend",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.BackendsFileFlag,
			flags.DefaultBackendFlag,
			flags.AuthTokenFlag,
		}, flags.CommonFlags...),
		Action: runGateway,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runGateway(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	backendsFile := cCtx.String(flags.BackendsFileFlag.Name)
	logger.Info("Loading backend definitions", "file", backendsFile)
	f, err := os.Open(backendsFile)
	if err != nil {
		logger.Error("Failed to open backends file", "err", err)
		return err
	}
	defer f.Close()

	specs, err := registry.LoadBackendSpecs(f)
	if err != nil {
		logger.Error("Failed to load backend definitions", "err", err)
		return err
	}

	factory := storage.NewStorageBackendFactory(logger)
	reg, err := registry.New(specs, cCtx.String(flags.DefaultBackendFlag.Name), factory, logger)
	if err != nil {
		logger.Error("Failed to build backend registry", "err", err)
		return err
	}

	handler := httpserver.NewHandler(reg, logger)
	server, err := httpserver.New(flags.ConfigureServer(cCtx, logger), handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting server", "backends", len(specs))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")

	return nil
}
