// Command storagecored wires the storage core together: disk manager,
// buffer pool, root catalog, a primary B+Tree index, and the lock
// manager with its background deadlock detector. It runs until
// interrupted, then flushes and shuts down cleanly.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"storagecore/internal/config"
	"storagecore/pkg/buffer"
	"storagecore/pkg/catalog"
	"storagecore/pkg/disk"
	"storagecore/pkg/index/btree"
	"storagecore/pkg/lock"
	"storagecore/pkg/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults apply if empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "storagecored: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	dm, err := disk.Open(cfg.DataFile)
	if err != nil {
		return err
	}
	defer dm.Close()
	fresh := dm.Size() == 0

	registry := prometheus.NewRegistry()
	bpm := buffer.NewManager(cfg.PoolSize, cfg.ReplacerK, dm, buffer.NewMetrics(registry), log)

	cat, err := catalog.Open(bpm, fresh)
	if err != nil {
		return err
	}

	idx, err := btree.NewPersistent(bpm, cat, "primary", cfg.LeafMaxSize, cfg.InternalMaxSize, log)
	if err != nil {
		return err
	}

	lockMgr := lock.NewManager(time.Duration(cfg.DeadlockInterval), lock.NewMetrics(registry), log)
	lockMgr.RunCycleDetection()
	defer lockMgr.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics listener stopped", zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	log.Info("storage core ready",
		zap.String("data_file", cfg.DataFile),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Int64("root_page_id", int64(idx.GetRootPageID())),
		zap.String("file_generation", dm.Generation()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	if err := bpm.FlushAllPages(); err != nil {
		return fmt.Errorf("flush on shutdown: %w", err)
	}
	return nil
}
