// Command ftlctl loads a device/FTL config, attaches a simulated device,
// drives a small amount of demo I/O, and prints a free-block report.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/octl/hostftl/blockmgr"
	"github.com/octl/hostftl/config"
	"github.com/octl/hostftl/device"
	"github.com/octl/hostftl/device/simdevice"
	"github.com/octl/hostftl/executor"
	"github.com/octl/hostftl/ftl"
)

func main() {
	cfgPath := flag.String("config", "", "path to a device/FTL YAML config")
	verbose := flag.Bool("v", false, "debug-level logging")
	flag.Parse()

	if *cfgPath == "" {
		log.Fatal("ftlctl: -config is required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	sessionID := uuid.New()
	logger = logger.With("session", sessionID.String())

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}
	if !cfg.SupportsDeviceL2P() {
		logger.Error("configured device does not report l2p table support")
		os.Exit(1)
	}

	pagesPerBlock := cfg.Identity.Chnls[0].GranErase / cfg.Identity.Chnls[0].GranWrite
	totalPages := 0
	for _, ch := range cfg.Identity.Chnls {
		nrBlocks := int((ch.LaddrEnd - ch.LaddrBegin + 1) / uint64(ch.GranErase/ch.GranRead))
		totalPages += nrBlocks * pagesPerBlock
	}
	// I/O is always dispatched in NRPhyInLog*512-byte units (see
	// ftl.nvmGetSector); size the backing store to match regardless of
	// the configured program granularity.
	const pageBytes = ftl.NRPhyInLog * 512

	dev := simdevice.New(cfg.DeviceIdentity(), totalPages, pageBytes)

	bm := blockmgr.New(dev, logger)
	ctx := context.Background()
	if err := bm.Attach(ctx); err != nil {
		logger.Error("attach block manager", "err", err)
		os.Exit(1)
	}
	defer bm.Detach()

	nrLunsOwned := cfg.FTL.LunEnd - cfg.FTL.LunBegin
	f := ftl.New(bm, logger, cfg.FTL.LunBegin, nrLunsOwned, cfg.FTL.NrPages, cfg.FTL.InflightPartitions)
	if err := f.Attach(ctx); err != nil {
		logger.Error("attach ftl", "err", err)
		os.Exit(1)
	}

	nrLuns := cfg.FTL.LunEnd - cfg.FTL.LunBegin
	lunIDs := make([]int, nrLuns)
	for i := range lunIDs {
		lunIDs[i] = cfg.FTL.LunBegin + i
	}

	pool := executor.NewOrderedPool(nrLuns, 64)
	defer pool.Stop()
	bg := executor.NewBackgroundPool(64)
	defer bg.Stop()

	interval := cfg.FTL.GCTickInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := executor.NewGCTicker(pool, f, lunIDs, interval, logger)
	ticker.Start()
	defer ticker.Stop()

	logger.Info("ftlctl: attached",
		"nr_luns", nrLuns, "nr_pages", cfg.FTL.NrPages,
		"capacity_sectors", f.Capacity())

	runDemoIO(ctx, f, logger)
	drainRequeues(f, bg, logger)

	bm.FreeBlocksReport()
	if stranded := f.StrandedBlocks(); len(stranded) > 0 {
		logger.Warn("ftlctl: blocks stranded by gc", "blocks", stranded)
	}
}

// runDemoIO drives a handful of synchronous writes through the FTL so
// the free-block report reflects real allocation activity.
func runDemoIO(ctx context.Context, f *ftl.FTL, logger *slog.Logger) {
	for i := int64(0); i < 8; i++ {
		done := make(chan error, 1)
		outcome := f.Submit(ctx, device.Write, i, 1, make([]byte, 4096), false, func(_ ftl.Outcome, err error) {
			done <- err
		})
		if outcome == ftl.Requeue {
			logger.Debug("ftlctl: demo write requeued", "logical", i)
			continue
		}
		if err := <-done; err != nil {
			logger.Warn("ftlctl: demo write failed", "logical", i, "err", err)
		}
	}
}

// drainRequeues runs the requeue worker on the background pool, bounded
// to a few passes so a device with no reclaimable space cannot spin the
// demo forever.
func drainRequeues(f *ftl.FTL, bg *executor.BackgroundPool, logger *slog.Logger) {
	done := make(chan struct{})
	bg.Submit(func(ctx context.Context) {
		defer close(done)
		for pass := 0; pass < 8; pass++ {
			pending := f.DrainRequeue()
			if len(pending) == 0 {
				return
			}
			logger.Debug("ftlctl: draining requeued requests", "pass", pass, "n", len(pending))
			for _, pr := range pending {
				if f.MakeRQ(ctx, pr) == ftl.Requeue {
					f.Requeue(pr)
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
		if n := len(f.DrainRequeue()); n > 0 {
			logger.Warn("ftlctl: requests still requeued after drain passes", "n", n)
		}
	})
	<-done
}
