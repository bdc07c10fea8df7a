/*
 * Genbu File Service, (C) 2023 Genbu Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package cmd

import (
	"context"
	"net/http"
	"os"

	"github.com/minio/cli"

	"github.com/FinnRG/genbu-beta/cmd/logger"
	"github.com/FinnRG/genbu-beta/pkg/meta"
	"github.com/FinnRG/genbu-beta/pkg/objstore"
)

// Version of the server binary.
var Version = "DEVELOPMENT.GOGET"

var serverFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "address",
		Usage: "Bind to a specific ADDRESS:PORT. Overrides " + envAddress + ".",
	},
	cli.BoolFlag{
		Name:  "quiet",
		Usage: "Disable startup information.",
	},
	cli.BoolFlag{
		Name:  "json",
		Usage: "Output server logs in JSON format.",
	},
}

// Main - the entry point of the genbu server.
func Main(args []string) {
	app := cli.NewApp()
	app.Name = "genbu"
	app.Usage = "Multi-user file management server with WOPI editing."
	app.Version = Version
	app.Flags = serverFlags
	app.Action = serverMain
	if err := app.Run(args); err != nil {
		os.Exit(1)
	}
}

// newObjectBackend connects the object store from the loaded configuration.
func newObjectBackend(cfg *serverConfig) (objstore.Backend, error) {
	return objstore.NewS3Backend(objstore.S3Config{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	})
}

// setupBuckets creates every fixed bucket, idempotently.
func setupBuckets(ctx context.Context, backend objstore.Backend) error {
	for _, bucket := range objstore.Buckets {
		if err := backend.EnsureBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return nil
}

// resetBuckets drops and re-creates every fixed bucket. Debug only; never
// routed.
func resetBuckets(ctx context.Context, backend objstore.Backend) error {
	for _, bucket := range objstore.Buckets {
		if err := backend.DeleteBucket(ctx, bucket); err != nil {
			return err
		}
	}
	return setupBuckets(ctx, backend)
}

// serverMain handler called for the 'genbu' command.
func serverMain(ctx *cli.Context) {
	if ctx.Bool("quiet") {
		logger.EnableQuiet()
	}
	if ctx.Bool("json") {
		logger.EnableJSON()
	}
	logger.Init(os.Getenv("GOPATH"))

	cfg, err := loadConfig()
	logger.FatalIf(err, "Invalid server configuration")
	if addr := ctx.String("address"); addr != "" {
		cfg.Address = addr
	}
	setGlobalConfig(cfg)

	store, err := meta.NewPgStore(cfg.DatabaseURL)
	logger.FatalIf(err, "Unable to open the metadata store at %s", cfg.DatabaseURL)
	logger.FatalIf(store.Migrate(context.Background()), "Unable to migrate the metadata schema")

	backend, err := newObjectBackend(cfg)
	logger.FatalIf(err, "Unable to connect the object store at %s", cfg.S3Endpoint)
	logger.FatalIf(setupBuckets(context.Background(), backend), "Unable to create the object store buckets")

	api := newAPIHandlers(store, backend)

	doneCh := make(chan struct{})
	defer close(doneCh)
	go cleanupExpiredLeases(store, backend, leaseCleanupInterval, doneCh)

	logger.Println("Endpoint: http://" + cfg.Address)
	logger.Println("Object store: " + cfg.S3Endpoint)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: configureServerHandler(api),
	}
	logger.FatalIf(httpServer.ListenAndServe(), "Unable to start the HTTP server")
}
