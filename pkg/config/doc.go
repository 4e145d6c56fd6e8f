// Package config loads conveyor configuration files.
//
// YAML and JSON files are decoded over Default(). CUE files are first
// unified with the embedded #Config schema, so constraint violations are
// reported with file positions, then exported and decoded the same way.
// Every loaded configuration is validated with the executor's struct tags.
//
// Watch reloads a file whenever it changes, which lets a long-running
// process switch ExecutionMode between runs:
//
//	w, err := config.NewLoader().Watch(ctx, "conveyor.cue", logger, func(cfg *config.Config) {
//	    exec.SetConfig(cfg.Executor)
//	})
package config
