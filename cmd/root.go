package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/tribunal/internal/config"
	"github.com/signalnine/tribunal/internal/log"
)

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tribunal",
		Short: "Batch evaluation runner for LLM candidates",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "tribunal.yaml", "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newMergeCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newCheckCmd())
	return root
}

// loadConfig resolves the config path (flag first, then
// TRIBUNAL_CONFIG), loads an optional env file, and parses the config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	env, err := config.LoadProcessEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	log.SetLevel(env.LogLevel)
	if env.EnvFile != "" {
		if err := config.LoadEnvFile(env.EnvFile); err != nil {
			return nil, err
		}
	}
	path := cfgFile
	if !cmd.Root().PersistentFlags().Changed("config") && env.ConfigPath != "" {
		path = env.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if env.CacheDir != "" {
		cfg.Cache.Dir = env.CacheDir
	}
	return cfg, nil
}
