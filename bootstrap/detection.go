package bootstrap

import (
	"fmt"

	"go.uber.org/zap"

	"bastion/config"
	"bastion/detect"
)

// InitEngine builds the threat engine from configuration and loads the
// threat rule file when one is configured.
func InitEngine(cfg *config.Config, stores *StorageComponents, sink detect.EventSink, sugar *zap.SugaredLogger) (*detect.Engine, error) {
	thresholds := make(map[detect.AttemptKind]int)
	if cfg.BruteForce.LoginThreshold > 0 {
		thresholds[detect.AttemptLogin] = cfg.BruteForce.LoginThreshold
	}
	if cfg.BruteForce.APIThreshold > 0 {
		thresholds[detect.AttemptAPI] = cfg.BruteForce.APIThreshold
	}
	if cfg.BruteForce.PasswordResetThreshold > 0 {
		thresholds[detect.AttemptPasswordReset] = cfg.BruteForce.PasswordResetThreshold
	}

	engine, err := detect.NewEngine(detect.EngineConfig{
		AdminUsers:        cfg.Engine.AdminUsers,
		BruteForceWindow:  cfg.BruteForce.Window,
		AttemptThresholds: thresholds,
		MaxBaselines:      cfg.Anomaly.MaxBaselines,
		SweepInterval:     cfg.Engine.SweepInterval,
	}, stores.Events, sink, nil, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize threat engine: %w", err)
	}

	if cfg.Engine.RulesFile != "" {
		rules, err := detect.LoadRules(cfg.Engine.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load threat rules: %w", err)
		}
		engine.SetRules(rules)
		sugar.Infow("Threat rules loaded", "file", cfg.Engine.RulesFile, "count", len(rules))
	} else {
		sugar.Info("No threat rules file configured")
	}

	return engine, nil
}
