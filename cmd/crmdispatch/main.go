package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/crmdispatch/internal/app"
	"github.com/foxzi/crmdispatch/internal/config"
	apitls "github.com/foxzi/crmdispatch/internal/tls"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "crmdispatch",
	Short: "crmdispatch - CRM campaign dispatcher",
	Long:  `crmdispatch sends CRM email campaigns through an SMTP relay in throttled batches.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign API and dispatcher",
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single dispatcher tick and exit",
	Long: `Run one dispatcher tick over every sending campaign and exit.
Useful from cron when the long-running scheduler is not wanted.`,
	RunE: runTick,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crmdispatch version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, tickCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Close()

	res, err := application.RunTick(cmd.Context())
	if err != nil {
		return fmt.Errorf("tick failed: %w", err)
	}

	fmt.Printf("Campaigns: %d\n", res.Campaigns)
	fmt.Printf("Batches:   %d\n", res.Batches)
	fmt.Printf("Sent:      %d\n", res.Sent)
	fmt.Printf("Failed:    %d\n", res.Failed)
	fmt.Printf("Completed: %d\n", res.Completed)
	fmt.Printf("Pending:   %d\n", res.Pending)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	relay := "not configured (email service disabled)"
	if cfg.Relay.Configured() {
		relay = fmt.Sprintf("%s:%d (%s)", cfg.Relay.Host, cfg.Relay.Port, cfg.Relay.TLSMode)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Mode: %s\n", cfg.Mode)
	fmt.Printf("  Relay: %s\n", relay)
	fmt.Printf("  Batch: %d emails per %s\n", cfg.Dispatch.MaxRowsPerBatch, cfg.Dispatch.MinBatchInterval)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	switch {
	case cfg.API.TLS.ACME.Enabled:
		fmt.Printf("  API TLS: ACME for %v\n", cfg.API.TLS.ACME.Domains)
	case cfg.API.HasTLS():
		info, err := apitls.GetCertificateInfo(cfg.API.TLS.CertFile)
		if err != nil {
			return fmt.Errorf("configuration is invalid: %w", err)
		}
		fmt.Printf("  API TLS: %s, expires in %d days\n", info.Subject, info.DaysLeft)
	}
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  State: %s\n", cfg.Storage.StatePath)

	return nil
}
