package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimbusota/release-storage-backend/blobstore"
	"github.com/nimbusota/release-storage-backend/cmd/flags"
	"github.com/nimbusota/release-storage-backend/httpserver"
	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "release-storage-server",
		Usage: "Serve the release distribution management and acquisition APIs",
		Flags: append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.StorageURIFlag,
			flags.BlobURIFlag,
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String(flags.ListenAddrFlag.Name)
			storageURI := cCtx.String(flags.StorageURIFlag.Name)
			blobURIs := cCtx.StringSlice(flags.BlobURIFlag.Name)

			logger := flags.SetupLogger(cCtx)

			// Assemble the blob store first; metadata commits stream
			// payloads through it before becoming visible.
			blobFactory := blobstore.NewFactory(logger)
			locations := make([]interfaces.BackendLocation, 0, len(blobURIs))
			for _, uri := range blobURIs {
				locations = append(locations, interfaces.BackendLocation(uri))
			}

			var blobs interfaces.BlobBackend
			var err error
			if len(locations) == 1 {
				blobs, err = blobFactory.BackendFor(locations[0])
			} else {
				blobs, err = blobFactory.CreateMultiBackend(locations)
			}
			if err != nil {
				logger.Error("Failed to create blob backend", "err", err)
				return err
			}
			logger.Info("Blob backend ready", "backend", blobs.Name())

			store, err := storage.NewFactory(blobs, logger).StorageFor(interfaces.BackendLocation(storageURI))
			if err != nil {
				logger.Error("Failed to create metadata store", "err", err)
				return err
			}
			logger.Info("Metadata store ready", "storageURI", storageURI)

			handler := httpserver.NewHandler(store, blobs, logger)

			cfg := flags.ConfigureServer(cCtx, logger, listenAddr)
			srv, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			srv.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			srv.Shutdown()
			if err := store.Close(); err != nil {
				logger.Error("Failed to close metadata store", "err", err)
			}
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
