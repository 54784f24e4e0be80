package core

import (
	"fmt"
	"log/slog"

	"github.com/hkevin01/wifi-radar/internal/config"
	"github.com/hkevin01/wifi-radar/internal/detect"
	"github.com/hkevin01/wifi-radar/internal/model"
	"github.com/hkevin01/wifi-radar/internal/pipeline"
	"github.com/hkevin01/wifi-radar/internal/signal"
	"github.com/hkevin01/wifi-radar/internal/types"
)

// Architecture returns the network dimensions described by cfg
func Architecture(cfg *config.Config) model.Architecture {
	return model.Architecture{
		Shape: types.Shape{
			NumTx:          cfg.CSI.NumTx,
			NumRx:          cfg.CSI.NumRx,
			NumSubcarriers: cfg.CSI.NumSubcarriers,
		},
		ExtractorHidden: cfg.Model.HiddenDim,
		FeatureDim:      cfg.Model.FeatureDim,
		EstimatorHidden: cfg.Model.EstimatorHiddenDim,
		NumKeypoints:    cfg.Model.NumKeypoints,
	}
}

// LoadModel loads the configured weight file, or initialises weights from
// the configured seed when no file is set
func LoadModel(cfg *config.Config) (*model.Params, error) {
	arch := Architecture(cfg)

	if cfg.Model.WeightsPath == "" {
		params, err := model.InitParams(arch, cfg.Model.Seed)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise weights: %w", err)
		}
		slog.Info("model weights initialised from seed",
			"seed", cfg.Model.Seed,
			"flat_dim", arch.FlatDim(),
		)
		return params, nil
	}

	params, err := model.LoadParams(cfg.Model.WeightsPath)
	if err != nil {
		return nil, err
	}
	if params.Arch != arch {
		return nil, fmt.Errorf("weight file %s has architecture %+v, config expects %+v",
			cfg.Model.WeightsPath, params.Arch, arch)
	}
	slog.Info("model weights loaded", "path", cfg.Model.WeightsPath)
	return params, nil
}

// BuildStages creates the conditioner, network and detector from cfg
func BuildStages(cfg *config.Config) (*pipeline.Stages, error) {
	params, err := LoadModel(cfg)
	if err != nil {
		return nil, err
	}

	det, err := detect.New(cfg.Detector.ConfidenceThreshold, cfg.Detector.MinValidFraction)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	cond := signal.DefaultConfig()
	cond.WindowSize = cfg.Conditioner.WindowSize
	cond.FilterOrder = cfg.Conditioner.FilterOrder
	cond.Cutoff = cfg.Conditioner.Cutoff
	cond.SmoothingTaps = cfg.Conditioner.SmoothingTaps

	return pipeline.NewStages(params, cond, det)
}
