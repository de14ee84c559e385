// Command svs-binarizer converts raw singing voice datasets into indexed
// train and valid splits, serves them for inspection and replays the
// batches a training loop would see.
//
// Usage:
//
//	svs-binarizer [--config binarizer.yaml] binarize
//	svs-binarizer [--config binarizer.yaml] serve
//	svs-binarizer [--config binarizer.yaml] batches [--epochs N] [--replicas N] [--rank N] [--condition]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"svs-binarizer/pkg/api"
	"svs-binarizer/pkg/binarizer"
	"svs-binarizer/pkg/conditioner"
	"svs-binarizer/pkg/config"
	"svs-binarizer/pkg/dataset"
	"svs-binarizer/pkg/datasets/acoustic"
	"svs-binarizer/pkg/progress"
	"svs-binarizer/pkg/trainer"
	"svs-binarizer/pkg/vocab"
)

func main() {
	configFile := flag.String("config", "", "path to config file (e.g. configs/binarizer.yaml)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [--config file] binarize|serve|batches [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	config.SetupLogging(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "binarize":
		err = runBinarize(ctx, cfg)
	case "serve":
		err = runServe(ctx, cfg)
	case "batches":
		err = runBatches(ctx, cfg, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func newDataset(cfg *config.Config) binarizer.DatasetFactory {
	return func() (dataset.Dataset, error) {
		v, err := vocab.Load(cfg.Dictionary)
		if err != nil {
			return nil, err
		}
		return acoustic.New(cfg, v)
	}
}

func runBinarize(ctx context.Context, cfg *config.Config) error {
	ds, err := newDataset(cfg)()
	if err != nil {
		return err
	}

	var reporter progress.Reporter = progress.Nop{}
	var bars *progress.Bars
	if cfg.Binarization.Progress {
		bars = progress.NewBars(os.Stderr)
		reporter = bars
	}

	b, err := binarizer.New(ctx, cfg, ds, binarizer.Options{Reporter: reporter})
	if err != nil {
		return err
	}

	start := time.Now()
	summaries, err := b.Process(ctx)
	if bars != nil {
		bars.Wait()
	}
	if err != nil {
		return err
	}
	binarizer.LogSummaries(b.RunID(), summaries, time.Since(start))
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	hub := api.NewHub()
	var reporter progress.Reporter = hub
	if cfg.Binarization.Progress {
		bars := progress.NewBars(os.Stderr)
		defer bars.Wait()
		reporter = progress.Multi{bars, hub}
	}

	runner := binarizer.NewRunner(ctx, cfg, newDataset(cfg), reporter)
	handlers := api.NewHandlers(cfg, hub, runner)
	defer handlers.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handlers.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// The run context is already cancelled; wait for the run to stop.
	if err := runner.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("binarization run ended with error", "error", err)
	}
	slog.Info("server exited")
	return nil
}

func runBatches(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("batches", flag.ExitOnError)
	epochs := fs.Int("epochs", 1, "number of epochs to replay")
	replicas := fs.Int("replicas", 1, "number of training replicas")
	rank := fs.Int("rank", 0, "rank of this replica")
	condition := fs.Bool("condition", false, "run every batch through the conditioner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := trainer.CopyPayload(cfg); err != nil {
		return err
	}

	train, err := trainer.OpenSplit(cfg.BinaryDataDir, binarizer.TrainSplit)
	if err != nil {
		return err
	}
	defer train.Close()
	valid, err := trainer.OpenSplit(cfg.BinaryDataDir, binarizer.ValidSplit)
	if err != nil {
		return err
	}
	defer valid.Close()

	var cond *conditioner.Conditioner
	if *condition {
		v, err := vocab.Load(cfg.Dictionary)
		if err != nil {
			return err
		}
		cond, err = conditioner.New(conditioner.OptionsFromConfig(cfg, v.Size()), nil)
		if err != nil {
			return err
		}
	}

	consume := func(split string) func(*trainer.Sample) error {
		return func(s *trainer.Sample) error {
			frames := 0
			for _, l := range s.Lengths {
				frames += l
			}
			if cond != nil {
				if _, err := cond.ForwardSample(s); err != nil {
					return err
				}
			}
			slog.Debug("batch", "split", split, "size", s.Size, "frames", frames, "items", s.Names)
			return nil
		}
	}

	trainSampler, err := trainer.NewTrainSampler(cfg, train.Lengths, *replicas, *rank)
	if err != nil {
		return err
	}
	trainLoader := trainer.NewLoader(train, cfg.Batching.DataLoaderWorkers, cfg.Batching.PrefetchFactor)
	for epoch := 0; epoch < *epochs; epoch++ {
		trainSampler.SetEpoch(epoch)
		batches := trainSampler.Batches()
		if err := trainLoader.Run(ctx, batches, consume(binarizer.TrainSplit)); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		slog.Info("epoch replayed", "epoch", trainSampler.Epoch(), "rank", *rank, "batches", len(batches))
	}

	validSampler, err := trainer.NewValidSampler(cfg, valid.Lengths, *rank)
	if err != nil {
		return err
	}
	validLoader := trainer.NewLoader(valid, cfg.Batching.DataLoaderWorkers, cfg.Batching.PrefetchFactor)
	if err := validLoader.Run(ctx, validSampler.Batches(), consume(binarizer.ValidSplit)); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	slog.Info("validation replayed", "rank", *rank, "batches", validSampler.Len())
	return nil
}
