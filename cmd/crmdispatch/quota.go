package main

import (
	"fmt"
	"math"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/crmdispatch/internal/app"
	"github.com/foxzi/crmdispatch/internal/ratelimit"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show relay quota usage",
	RunE:  runQuota,
}

func init() {
	rootCmd.AddCommand(quotaCmd)
}

func runQuota(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("Relay Quota")
	fmt.Println("===========")
	fmt.Printf("Enabled: %v\n\n", cfg.Quota.Enabled)

	if !cfg.Quota.Enabled {
		fmt.Println("Quota is disabled, only the batch size limits sending")
		return nil
	}

	db, err := app.OpenState(cfg.Storage.StatePath)
	if err != nil {
		return err
	}
	defer db.Close()

	quota, err := ratelimit.NewQuota(db, ratelimit.Limits{
		MessagesPerHour: cfg.Quota.MessagesPerHour,
		MessagesPerDay:  cfg.Quota.MessagesPerDay,
	})
	if err != nil {
		return fmt.Errorf("failed to load quota: %w", err)
	}

	fmt.Print(formatQuota(quota.Stats()))
	return nil
}

func formatQuota(s ratelimit.Stats) string {
	limit := func(n int) string {
		if n <= 0 {
			return "unlimited"
		}
		return fmt.Sprint(n)
	}

	out := fmt.Sprintf("This hour: %d / %s\n", s.HourlyCount, limit(s.MessagesPerHour))
	out += fmt.Sprintf("Today:     %d / %s\n", s.DailyCount, limit(s.MessagesPerDay))

	if s.Remaining == math.MaxInt {
		out += "Remaining: unlimited\n"
	} else {
		out += fmt.Sprintf("Remaining: %d\n", s.Remaining)
	}
	if s.Remaining == 0 && s.RetryAfter > 0 {
		out += fmt.Sprintf("Resets in: %s\n", s.RetryAfter.Round(time.Minute))
	}
	return out
}
