package main

import (
	"fmt"
	"os"

	"talkstream/pkg/config"
	"talkstream/pkg/logging"

	// Registers the vendor adapters and clients.
	_ "talkstream/pkg/ai/providers"

	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	providerFlag string
	modelFlag    string
	apiURLFlag   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "talkstream",
		Short: "Talk to LLM providers with streaming, retries and segmented replies",
		Long: "talkstream sends a conversation history to one of several LLM APIs, " +
			"streams the answer and splits it into separate chat segments.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ~/.talkstream/config.json)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "override provider")
	rootCmd.PersistentFlags().StringVarP(&modelFlag, "model", "m", "", "override model")
	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "override API base URL")

	rootCmd.AddCommand(newAskCmd())
	rootCmd.AddCommand(newModelsCmd())
	rootCmd.AddCommand(newProvidersCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig loads the config file, applies flag overrides and starts
// logging.
func loadConfig() (config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	if providerFlag != "" {
		cfg.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Model = modelFlag
	}
	if apiURLFlag != "" {
		cfg.APIURL = apiURLFlag
	}

	if _, err := logging.Init(cfg); err != nil {
		fmt.Fprintln(os.Stderr, noticeStyle.Render("Warning: logging disabled: "+err.Error()))
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
