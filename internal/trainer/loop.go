package trainer

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/nveshaan/offroad-navigation/internal/config"
	"github.com/nveshaan/offroad-navigation/internal/dataset"
	"github.com/nveshaan/offroad-navigation/internal/metrics"
	"github.com/nveshaan/offroad-navigation/internal/model"
)

// Run executes the full training workload: seed, split, build, then one
// train and one validation pass per epoch with loss reporting and optional
// checkpointing. Any failure aborts the run; there are no retries and no
// mid-epoch recovery.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// All randomness derives from the configured seed, fixed before the
	// split and before model construction.
	splitRng := rand.New(rand.NewSource(cfg.Seed))

	driveLog, err := dataset.ReadLog(cfg.Data.FilePath)
	if err != nil {
		return err
	}
	ds, err := dataset.NewWindowed(driveLog, dataset.Options{
		ObsHorizon: cfg.Data.ObsHorizon,
		ActHorizon: cfg.Data.ActHorizon,
		Gap:        cfg.Data.Gap,
		ObsStride:  cfg.Data.ObsStride,
		ActStride:  cfg.Data.ActStride,
		ObsKeys:    cfg.Data.ObsKeys,
		ActKeys:    cfg.Data.ActKeys,
	})
	if err != nil {
		return err
	}

	imageShape := ds.FieldShape("image")
	if len(imageShape) != 3 {
		return fmt.Errorf("trainer: image field must be (c, h, w) per frame, got %v", imageShape)
	}

	trainIdx, valIdx := dataset.Split(ds.Len(), cfg.Data.ValRatio, splitRng)
	if len(trainIdx) == 0 {
		return fmt.Errorf("trainer: no training samples after split (%d total, val_ratio %g)", ds.Len(), cfg.Data.ValRatio)
	}
	log.Printf("dataset=%s samples=%d train=%d val=%d", cfg.Data.FilePath, ds.Len(), len(trainIdx), len(valIdx))

	policy, err := model.NewImagePolicy(model.PolicyOptions{
		Backbone:      cfg.Model.Backbone,
		Pretrained:    cfg.Model.Pretrained,
		Commands:      cfg.Model.Commands,
		Steps:         cfg.Model.Steps,
		ImageChannels: imageShape[0],
		ImageHeight:   imageShape[1],
		ImageWidth:    imageShape[2],
		Mean:          cfg.Model.Mean,
		Std:           cfg.Model.Std,
		PersistNorm:   cfg.NormPersist(),
		Temperature:   cfg.Model.Temperature,
		XRange:        cfg.Model.XRange,
		YRange:        cfg.Model.YRange,
		Seed:          cfg.Seed,
	})
	if err != nil {
		return err
	}
	opt := NewAdam(policy.Params(), cfg.Train.LR)

	var runLog *metrics.RunLog
	if cfg.RunLog.Enabled {
		runLog, err = metrics.NewRunLog(cfg.RunLog.Dir, cfg.RunLog.Project, cfg.RunLog.Name, cfg)
		if err != nil {
			return err
		}
		defer runLog.Close()
		log.Printf("run log: %s", runLog.Path())
	}

	imageAt, commandAt := keyIndex(cfg.Data.ObsKeys, "image"), keyIndex(cfg.Data.ObsKeys, "command")

	trainLoader, err := dataset.NewLoader(ds, trainIdx, dataset.LoaderOptions{
		BatchSize: cfg.Data.BatchSize,
		Workers:   cfg.Data.NumWorkers,
		Shuffle:   true,
		Seed:      cfg.Seed + 1,
	})
	if err != nil {
		return err
	}
	var valLoader *dataset.Loader
	if len(valIdx) > 0 {
		valLoader, err = dataset.NewLoader(ds, valIdx, dataset.LoaderOptions{
			BatchSize: cfg.Data.BatchSize,
			Workers:   cfg.Data.NumWorkers,
		})
		if err != nil {
			return err
		}
	}

	pass := epochPass{
		policy:    policy,
		imageAt:   imageAt,
		commandAt: commandAt,
		logEvery:  cfg.Train.LogEvery,
		runLog:    runLog,
	}

	for epoch := 1; epoch <= cfg.Train.Epochs; epoch++ {
		trainLoss, err := pass.run(ctx, trainLoader, epoch, opt)
		if err != nil {
			return fmt.Errorf("epoch %d train: %w", epoch, err)
		}

		valLoss := math.NaN()
		if valLoader != nil {
			valLoss, err = pass.run(ctx, valLoader, epoch, nil)
			if err != nil {
				return fmt.Errorf("epoch %d val: %w", epoch, err)
			}
		}

		log.Printf("epoch=%d/%d train_loss=%.6f val_loss=%.6f", epoch, cfg.Train.Epochs, trainLoss, valLoss)
		scalars := map[string]float64{
			"epoch":          float64(epoch),
			"train/avg_loss": trainLoss,
		}
		if valLoader != nil {
			scalars["val/avg_loss"] = valLoss
		}
		if err := runLog.Scalars(epoch, scalars); err != nil {
			return err
		}

		if cfg.Train.EpochSave {
			path, err := SaveCheckpoint(cfg.Train.CheckpointDir, EpochFilename(time.Now(), epoch), policy.State())
			if err != nil {
				return err
			}
			log.Printf("checkpoint saved: %s", path)
		}
	}

	if cfg.Train.Save {
		path, err := SaveCheckpoint(cfg.Train.CheckpointDir, FinalFilename(time.Now()), policy.State())
		if err != nil {
			return err
		}
		log.Printf("model saved: %s", path)
	}

	log.Printf("training complete")
	return nil
}

type epochPass struct {
	policy    *model.ImagePolicy
	imageAt   int
	commandAt int
	logEvery  int
	runLog    *metrics.RunLog
}

// run performs one pass over the loader. A non-nil optimizer makes it a
// training pass: gradients are zeroed, backpropagated and applied per
// batch. With a nil optimizer the pass only computes losses. The returned
// epoch loss is the arithmetic mean of per-batch losses, so a smaller final
// batch weighs the same as a full one.
func (p *epochPass) run(ctx context.Context, loader *dataset.Loader, epoch int, opt *Adam) (float64, error) {
	batches, errs := loader.Epoch(ctx, epoch)

	var window metrics.Window
	losses := make([]float64, 0, loader.Batches())
	mode := "val"
	if opt != nil {
		mode = "train"
	}

	lastBatch := time.Now()
	for batch := range batches {
		dataTime := time.Since(lastBatch)

		startCompute := time.Now()
		pred := p.policy.Forward(batch.Obs[p.imageAt], batch.Obs[p.commandAt])
		loss, grad := mseLoss(pred, batch.Act[0], opt != nil)
		if opt != nil {
			p.policy.ZeroGrad()
			p.policy.Backward(grad)
			opt.Step()
		}
		computeTime := time.Since(startCompute)

		losses = append(losses, loss)
		window.Record(batch.Size, dataTime, computeTime, loss)
		if (batch.Index+1)%p.logEvery == 0 {
			snap := window.Snapshot()
			log.Printf("epoch=%d %s batch=%d/%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.6f",
				epoch, mode, batch.Index+1, loader.Batches(),
				snap.SamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS, snap.LastLoss)
		}
		if opt != nil {
			step := (epoch-1)*loader.Batches() + batch.Index
			if err := p.runLog.Scalars(step, map[string]float64{"train/loss": loss}); err != nil {
				return 0, err
			}
		}

		lastBatch = time.Now()
	}
	if err, ok := <-errs; ok && err != nil {
		return 0, err
	}
	if len(losses) == 0 {
		return 0, fmt.Errorf("loader produced no batches")
	}
	return stat.Mean(losses, nil), nil
}

// mseLoss computes the mean squared error over every element and, when
// wantGrad is set, its gradient w.r.t. the prediction.
func mseLoss(pred, target *tensor.Dense, wantGrad bool) (float64, *tensor.Dense) {
	p, ok := pred.Data().([]float64)
	if !ok {
		panic(fmt.Sprintf("trainer: prediction is not float64, got %T", pred.Data()))
	}
	t, ok := target.Data().([]float64)
	if !ok {
		panic(fmt.Sprintf("trainer: target is not float64, got %T", target.Data()))
	}
	if len(p) != len(t) {
		panic(fmt.Sprintf("trainer: prediction shape %v does not match target shape %v", pred.Shape(), target.Shape()))
	}

	n := float64(len(p))
	var sum float64
	var grad []float64
	if wantGrad {
		grad = make([]float64, len(p))
	}
	for i := range p {
		d := p[i] - t[i]
		sum += d * d
		if wantGrad {
			grad[i] = 2 * d / n
		}
	}
	if !wantGrad {
		return sum / n, nil
	}
	shape := []int(pred.Shape())
	return sum / n, tensor.New(tensor.WithShape(shape...), tensor.WithBacking(grad))
}

func keyIndex(keys []string, want string) int {
	for i, k := range keys {
		if k == want {
			return i
		}
	}
	return -1
}
