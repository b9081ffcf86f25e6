package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/crmdispatch/internal/app"
	"github.com/foxzi/crmdispatch/internal/sandbox"
)

var (
	sandboxListTo     string
	sandboxListLimit  int
	sandboxShowFormat string
	sandboxClearDays  int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect mail captured in sandbox mode",
	Long: `Inspect mail captured in sandbox mode.
The state file is locked by a running server, stop it first.`,
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show captured message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().StringVar(&sandboxShowFormat, "format", "text", "Output format (text, html)")

	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*sandbox.Storage, *bolt.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := app.OpenState(cfg.Storage.StatePath)
	if err != nil {
		return nil, nil, err
	}

	storage, err := sandbox.NewStorage(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	return storage, db, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := storage.List(context.Background(), sandbox.ListFilter{
		To:    sandboxListTo,
		Limit: sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTO\tSUBJECT\tCAPTURED\tRESULT")
	fmt.Fprintln(w, "--\t--\t-------\t--------\t------")

	for _, msg := range messages {
		result := "captured"
		if msg.SimulatedErr != "" {
			result = "simulated failure"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			msg.ID, truncate(msg.To, 30), truncate(msg.Subject, 40),
			msg.CapturedAt.Local().Format(time.DateTime), result,
		)
	}
	w.Flush()

	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	msg, err := storage.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	switch sandboxShowFormat {
	case "html":
		fmt.Println(msg.HTML)
	case "text":
		fmt.Printf("ID:       %s\n", msg.ID)
		fmt.Printf("To:       %s\n", msg.To)
		fmt.Printf("Subject:  %s\n", msg.Subject)
		fmt.Printf("Captured: %s\n", msg.CapturedAt.Local().Format(time.DateTime))
		if msg.SimulatedErr != "" {
			fmt.Printf("Result:   %s\n", msg.SimulatedErr)
		}
		fmt.Printf("\n%s\n", msg.HTML)
	default:
		return fmt.Errorf("unknown format: %s (use text or html)", sandboxShowFormat)
	}

	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, db, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer db.Close()

	olderThan := time.Duration(sandboxClearDays) * 24 * time.Hour
	n, err := storage.Clear(context.Background(), olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	fmt.Printf("Cleared %d messages\n", n)
	return nil
}
