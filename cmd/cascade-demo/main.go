// Command cascade-demo wires a complete Blob Pipeline over a local directory
// origin and serves its diagnostics surface, as a runnable illustration of
// how the cascade, pipeline, origin, and diagnostics packages compose. It is
// intentionally not a request-serving front end: the only HTTP routes it
// exposes are the read-only diagnostics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/imazen/imageflow-server-sub002/cascade"
	"github.com/imazen/imageflow-server-sub002/diagnostics"
	"github.com/imazen/imageflow-server-sub002/imaging"
	"github.com/imazen/imageflow-server-sub002/origin/fsorigin"
	"github.com/imazen/imageflow-server-sub002/pipeline"
	"github.com/imazen/imageflow-server-sub002/provider"
	"github.com/imazen/imageflow-server-sub002/provider/disk"
	"github.com/imazen/imageflow-server-sub002/provider/memory"
)

func main() {
	originDir := flag.String("origin-dir", ".", "directory served as the image origin")
	diskDir := flag.String("disk-dir", "", "directory backing the disk cache tier; defaults to a temp dir")
	fetchPath := flag.String("fetch", "", "virtual path to fetch once through the pipeline and exit, e.g. /logo.png")
	diagAddr := flag.String("diag-addr", ":9091", "diagnostics listen address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *diskDir == "" {
		dir, err := os.MkdirTemp("", "cascade-demo-disk-*")
		if err != nil {
			log.Fatalf("cascade-demo: creating disk cache dir: %v", err)
		}
		defer os.RemoveAll(dir)
		*diskDir = dir
	}

	sourceCascade, derivativeCascade, err := buildCascades(*diskDir)
	if err != nil {
		log.Fatalf("cascade-demo: %v", err)
	}

	originProvider, err := fsorigin.New(*originDir)
	if err != nil {
		log.Fatalf("cascade-demo: %v", err)
	}
	router := pipeline.NewStaticRouter(originProvider)
	pl := pipeline.New(derivativeCascade, sourceCascade, imaging.PassthroughTransformer{}, nil, router)

	diagRouter := diagnostics.NewRouter(
		diagnostics.Named{Label: "source", Cascade: sourceCascade},
		diagnostics.Named{Label: "derivative", Cascade: derivativeCascade},
	)
	diagServer := &http.Server{
		Addr:              *diagAddr,
		Handler:           diagRouter.Mount(nil),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("cascade-demo: diagnostics listening", "addr", *diagAddr)
		if err := diagServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("cascade-demo: diagnostics server exited", "error", err)
		}
	}()

	if *fetchPath != "" {
		runOneFetch(pl, *fetchPath, logger)
		return
	}

	select {}
}

func buildCascades(diskDir string) (source, derivative *cascade.Cascade, err error) {
	sourceMem := memory.New(64 * 1024 * 1024)
	sourceDisk, err := disk.New(diskDir+"/source", 512*1024*1024)
	if err != nil {
		return nil, nil, fmt.Errorf("building source disk tier: %w", err)
	}
	source, err = cascade.New([]provider.Provider{sourceMem, sourceDisk}, cascade.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("building source cascade: %w", err)
	}

	derivativeMem := memory.New(64 * 1024 * 1024)
	derivativeDisk, err := disk.New(diskDir+"/derivative", 512*1024*1024)
	if err != nil {
		return nil, nil, fmt.Errorf("building derivative disk tier: %w", err)
	}
	derivative, err = cascade.New([]provider.Provider{derivativeMem, derivativeDisk}, cascade.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("building derivative cascade: %w", err)
	}
	return source, derivative, nil
}

func runOneFetch(pl *pipeline.Pipeline, virtualPath string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := pipeline.Request{VirtualPath: virtualPath, Params: imaging.Params{}}
	w, err := pl.TryGetBlob(ctx, req)
	if err != nil {
		logger.Error("cascade-demo: fetch failed", "path", virtualPath, "error", err)
		os.Exit(1)
	}
	defer w.Dispose()

	data, err := w.FetchMemory(ctx)
	if err != nil {
		logger.Error("cascade-demo: reading blob failed", "path", virtualPath, "error", err)
		os.Exit(1)
	}
	logger.Info("cascade-demo: fetched", "path", virtualPath, "bytes", len(data), "content_type", w.Attributes().ContentType, "etag", pipeline.ETag(req))
}
