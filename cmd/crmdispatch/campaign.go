package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/crmdispatch/internal/app"
	"github.com/foxzi/crmdispatch/internal/campaign"
	"github.com/foxzi/crmdispatch/internal/models"
)

var (
	campaignListStatus string
	campaignListSearch string
	campaignListLimit  int
	recipientsStatus   string
	recipientsLimit    int
	recipientsPage     int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Inspect campaigns",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show <campaign_id>",
	Short: "Show campaign details and statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignShow,
}

var campaignRecipientsCmd = &cobra.Command{
	Use:   "recipients <campaign_id>",
	Short: "List the recipient ledger of a campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignRecipients,
}

func init() {
	campaignListCmd.Flags().StringVar(&campaignListStatus, "status", "", "Filter by status (draft, sending, sent, failed)")
	campaignListCmd.Flags().StringVar(&campaignListSearch, "search", "", "Filter by name")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns")

	campaignRecipientsCmd.Flags().StringVar(&recipientsStatus, "status", "", "Filter by status (pending, sent, failed)")
	campaignRecipientsCmd.Flags().IntVar(&recipientsLimit, "limit", 50, "Rows per page")
	campaignRecipientsCmd.Flags().IntVar(&recipientsPage, "page", 1, "Page number")

	campaignCmd.AddCommand(campaignListCmd, campaignShowCmd, campaignRecipientsCmd)
	rootCmd.AddCommand(campaignCmd)
}

// openService opens the CRM database only. The state file stays free for a
// running server.
func openService() (*campaign.Service, *app.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := app.OpenStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger := app.NewLogger(cfg.Logging, os.Stderr)
	return store.Service(cfg, nil, logger), store, nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	svc, store, err := openService()
	if err != nil {
		return err
	}
	defer store.Close()

	status := models.CampaignStatus(campaignListStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("invalid status: %s", campaignListStatus)
	}

	page, err := svc.List(cmd.Context(), campaign.ListParams{
		Search: campaignListSearch,
		Status: status,
		Limit:  campaignListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	if len(page.Items) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSENT\tFAILED\tTOTAL\tUPDATED")
	fmt.Fprintln(w, "--\t----\t------\t----\t------\t-----\t-------")

	for _, c := range page.Items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			c.ID, truncate(c.Name, 30), c.Status,
			c.Stats.Sent, c.Stats.Failed, c.Stats.Total,
			c.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	w.Flush()

	if page.Total > len(page.Items) {
		fmt.Printf("\nShowing %d of %d campaigns\n", len(page.Items), page.Total)
	}
	return nil
}

func runCampaignShow(cmd *cobra.Command, args []string) error {
	svc, store, err := openService()
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := svc.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printCampaign(os.Stdout, c)
	return nil
}

func printCampaign(out io.Writer, c *models.Campaign) {
	fmt.Fprintf(out, "ID:          %s\n", c.ID)
	fmt.Fprintf(out, "Name:        %s\n", c.Name)
	fmt.Fprintf(out, "Status:      %s\n", c.Status)
	fmt.Fprintf(out, "Template:    %s\n", c.TemplateID)
	fmt.Fprintf(out, "Subject:     %s\n", c.Subject)
	fmt.Fprintf(out, "Policy:      %s\n", describePolicy(c.Policy))
	fmt.Fprintf(out, "Created:     %s\n", c.CreatedAt.Local().Format(time.DateTime))
	if c.LastBatchSentAt != nil {
		fmt.Fprintf(out, "Last batch:  %s\n", c.LastBatchSentAt.Local().Format(time.DateTime))
	}
	if c.SentAt != nil {
		fmt.Fprintf(out, "Finished:    %s\n", c.SentAt.Local().Format(time.DateTime))
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Total:   %d\n", c.Stats.Total)
	fmt.Fprintf(out, "Sent:    %d\n", c.Stats.Sent)
	fmt.Fprintf(out, "Failed:  %d\n", c.Stats.Failed)

	if len(c.Stats.Errors) > 0 {
		fmt.Fprintln(out, "\nErrors:")
		for _, e := range c.Stats.Errors {
			fmt.Fprintf(out, "  %s: %s\n", e.Recipient, e.Error)
		}
	}
}

func describePolicy(p models.Policy) string {
	switch p.Kind {
	case models.PolicyManual:
		return fmt.Sprintf("manual (%d addresses)", len(p.Recipients))
	case models.PolicyClients:
		return fmt.Sprintf("clients in group %q", p.Group)
	case models.PolicyAllClients:
		return "all clients"
	}
	return string(p.Kind)
}

func runCampaignRecipients(cmd *cobra.Command, args []string) error {
	svc, store, err := openService()
	if err != nil {
		return err
	}
	defer store.Close()

	status := models.RecipientStatus(recipientsStatus)
	switch status {
	case "", models.RecipientPending, models.RecipientSent, models.RecipientFailed:
	default:
		return fmt.Errorf("invalid status: %s", recipientsStatus)
	}

	page, err := svc.Recipients(cmd.Context(), args[0], status, recipientsPage, recipientsLimit)
	if err != nil {
		return err
	}

	if len(page.Items) == 0 {
		fmt.Println("No recipients found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSTATUS\tSENT\tERROR")
	fmt.Fprintln(w, "-----\t------\t----\t-----")

	for _, row := range page.Items {
		sent := "-"
		if row.SentAt != nil {
			sent = row.SentAt.Local().Format(time.DateTime)
		}
		errText := row.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", row.Email, row.Status, sent, truncate(errText, 60))
	}
	w.Flush()

	fmt.Printf("\nPage %d of %d (%d recipients)\n", page.Page, page.Pages, page.Total)
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
