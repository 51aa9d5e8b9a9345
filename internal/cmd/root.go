package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"genflow/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "genflow",
	Short: "Design-variant generation service",
	Long: `genflow accepts generation requests, runs them through the proposal
engine or the staged render/massing/export chain, and reports job
progress over REST, a WebSocket push channel and an SSE stream.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.genflow/config.toml)")
	rootCmd.PersistentFlags().String("secret", "", "token signing secret")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server.secret", rootCmd.PersistentFlags().Lookup("secret"))
}

func initConfig() {
	viper.SetEnvPrefix("GENFLOW")
	// GENFLOW_SERVER_ADDR overrides server.addr
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the TOML file and layers flag and environment values on top.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(&cfg, v)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, v *viper.Viper) {
	strs := map[string]*string{
		"server.addr":          &cfg.Server.Addr,
		"server.db_path":       &cfg.Server.DBPath,
		"server.artifact_root": &cfg.Server.ArtifactRoot,
		"server.secret":        &cfg.Server.Secret,
		"server.log_level":     &cfg.Server.LogLevel,
		"server.log_format":    &cfg.Server.LogFormat,
		"generation.mode":      &cfg.Generation.Mode,
	}
	for key, dst := range strs {
		if val := strings.TrimSpace(v.GetString(key)); v.IsSet(key) && val != "" {
			*dst = val
		}
	}
	ints := map[string]*int{
		"generation.max_concurrent_rounds": &cfg.Generation.MaxConcurrentRounds,
		"chain.workers_per_stage":          &cfg.Chain.WorkersPerStage,
	}
	for key, dst := range ints {
		if val := v.GetInt(key); v.IsSet(key) && val > 0 {
			*dst = val
		}
	}
	if v.IsSet("chain.stages") {
		if stages := v.GetStringSlice("chain.stages"); len(stages) > 0 {
			cfg.Chain.Stages = stages
		}
	}
}
