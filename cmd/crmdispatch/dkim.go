package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/crmdispatch/internal/delivery"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key and print the DNS record to publish.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the DNS record of the configured DKIM key",
	RunE:  runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "crm", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimKeyFile, "out", "", "Key file path (default: <domain>.key)")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	path := dkimKeyFile
	if path == "" {
		path = dkimDomain + ".key"
	}

	key, err := delivery.GenerateKey(path)
	if err != nil {
		return err
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", path)
	return printDKIMRecord(delivery.NewSigner(key, dkimDomain, dkimSelector))
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.DKIM.Enabled {
		return fmt.Errorf("DKIM is not enabled in %s", cfgFile)
	}

	signer, err := delivery.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
	if err != nil {
		return err
	}
	return printDKIMRecord(signer)
}

func printDKIMRecord(signer *delivery.Signer) error {
	record, err := signer.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", signer.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	return nil
}
