// Command readoutd wires a memory pool, one worker per configured
// readout equipment, an aggregator, and a stats consumer into a running
// pipeline. It drives simulated cards (internal/cardsim) rather than
// real hardware, per SPEC_FULL.md's Non-goals.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/readout/internal/aggregator"
	"github.com/care/readout/internal/block"
	"github.com/care/readout/internal/cardsim"
	"github.com/care/readout/internal/config"
	"github.com/care/readout/internal/consumer"
	"github.com/care/readout/internal/equipment"
	"github.com/care/readout/internal/mempool"
	"github.com/care/readout/internal/queue"
	"github.com/care/readout/internal/rdh"
	"github.com/care/readout/internal/worker"
)

const version = "v0.1.0"

func main() {
	configPath, debug := parseFlags()

	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("readoutd starting", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, stopping gracefully")
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("pipeline failed", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline stopped gracefully")
}

func parseFlags() (configPath string, debug bool) {
	flag.StringVar(&configPath, "config", "", "path to pipeline YAML config (required)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	if configPath == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}
	return configPath, debug
}

func rdhDumpMode(s string) equipment.DumpMode {
	switch s {
	case "always":
		return equipment.DumpAlways
	case "on_error":
		return equipment.DumpOnError
	default:
		return equipment.DumpNever
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	pool, err := mempool.New(cfg.Pool.Capacity, cfg.Pool.PageSize)
	if err != nil {
		return fmt.Errorf("creating memory pool: %w", err)
	}
	defer pool.Close()
	logger.Info("memory pool ready", "capacity", cfg.Pool.Capacity, "page_size", cfg.Pool.PageSize)

	aggOutput := queue.New[block.DataSet](cfg.Aggregator.OutputQueueCapacity)

	var inputs []aggregator.Input
	var workers []*worker.Worker
	var equipments []*equipment.Equipment
	for _, eqCfg := range cfg.Equipments {
		card := cardsim.New(eqCfg.FreePageQueueCapacity)
		out := queue.New[block.DataBlock](eqCfg.OutputQueueCapacity)

		eq := equipment.New(equipment.Config{
			EquipmentID:                eqCfg.EquipmentID,
			ChannelNumber:              eqCfg.ChannelNumber,
			RdhCheckEnabled:            eqCfg.RdhCheckEnabled,
			RdhUseFirstInPageEnabled:   eqCfg.RdhUseFirstInPageEnabled,
			RdhDumpMode:                rdhDumpMode(eqCfg.RdhDumpMode),
			CleanPageBeforeUse:         eqCfg.CleanPageBeforeUse,
			FirmwareCheckEnabled:       eqCfg.FirmwareCheckEnabled,
			DebugStatsEnabled:          eqCfg.DebugStatsEnabled,
			TFPeriod:                   eqCfg.TFPeriod,
			PacketDroppedAuditInterval: eqCfg.PacketDroppedAuditInterval(),
			StopOnError:                eqCfg.StopOnError,
		}, card, pool, out)
		eq.SetDataOn()

		name := fmt.Sprintf("equipment-%d", eqCfg.EquipmentID)
		workers = append(workers, worker.New(name, eq.Step, 0))
		inputs = append(inputs, aggregator.Input{Name: name, Queue: out})
		equipments = append(equipments, eq)

		go simulateCard(ctx, card)
	}

	agg := aggregator.New(aggregator.Config{
		SliceTimeout:   cfg.Aggregator.SliceTimeout(),
		DisableSlicing: cfg.Aggregator.DisableSlicing,
	}, aggOutput, inputs...)
	workers = append(workers, worker.New("aggregator", agg.Step, 0))

	statsConsumer := consumer.NewStatsConsumer(nil, cfg.Consumer.PublishInterval())
	if err := statsConsumer.Start(ctx); err != nil {
		return fmt.Errorf("starting stats consumer: %w", err)
	}
	releasing := &consumer.ReleasingConsumer{Pool: pool, Next: statsConsumer}

	group := worker.NewGroup(workers...)
	if err := group.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}
	logger.Info("pipeline started", "equipments", len(cfg.Equipments))

	go consumeLoop(ctx, aggOutput, releasing, logger)

	<-ctx.Done()

	for _, eq := range equipments {
		eq.SetDataOff()
	}
	group.Stop()
	statsConsumer.Stop()

	return ctx.Err()
}

// consumeLoop drains the aggregator's output queue. The aggregator and
// equipment workers are non-blocking pollers; this loop is the one place
// a short sleep-on-empty is appropriate since it is purely a sink, not a
// cooperative worker participating in backpressure.
func consumeLoop(ctx context.Context, out *queue.Queue[block.DataSet], c consumer.Consumer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ds, ok := out.Pop()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := c.Consume(ds); err != nil {
			logger.Error("consumer failed", "error", err)
		}
	}
}

// simulateCard stands in for real DMA interrupts: it periodically fills
// whatever pages are currently sitting in the card's free-page queue with
// a synthetic RDH and moves them to the completion queue, and
// occasionally advances the dropped-packet counter.
func simulateCard(ctx context.Context, card *cardsim.Card) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	var orbit uint32
	var counter uint8
	linkID := uint8(rand.Intn(4))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			card.Fill(card.FreePageQueueCapacity(), func(pg block.Page) {
				writeSyntheticRDH(pg, linkID, counter, orbit)
				counter++
				orbit += 4
			})
			if rand.Intn(500) == 0 {
				card.DropPackets(1)
			}
		}
	}
}

func writeSyntheticRDH(pg block.Page, linkID, counter uint8, orbit uint32) {
	buf := pg.Bytes
	if len(buf) < rdh.Size {
		return
	}
	buf[0] = rdh.SupportedVersion
	buf[1] = rdh.Size
	buf[2], buf[3] = 0, 0
	buf[4] = counter
	buf[5] = linkID
	buf[6], buf[7] = 0, 0
	buf[8] = byte(orbit)
	buf[9] = byte(orbit >> 8)
	buf[10] = byte(orbit >> 16)
	buf[11] = byte(orbit >> 24)
}
