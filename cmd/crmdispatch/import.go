package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/foxzi/crmdispatch/internal/app"
	"github.com/foxzi/crmdispatch/internal/models"
)

var (
	templateImportID      string
	templateImportName    string
	templateImportSubject string
)

var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Client directory commands",
}

var clientsImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import clients from CSV",
	Long: `Import clients from a CSV file with a header row.
Recognised columns: name, email, groups. Groups are separated by ';'.`,
	Args: cobra.ExactArgs(1),
	RunE: runClientsImport,
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Rendered template commands",
}

var templatesImportCmd = &cobra.Command{
	Use:   "import <file.html>",
	Short: "Store a rendered HTML template",
	Long: `Store a rendered HTML template exported from the designer.
An existing template with the same ID is replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runTemplatesImport,
}

func init() {
	templatesImportCmd.Flags().StringVar(&templateImportID, "id", "", "Template ID (default: file name)")
	templatesImportCmd.Flags().StringVar(&templateImportName, "name", "", "Template name (default: ID)")
	templatesImportCmd.Flags().StringVar(&templateImportSubject, "subject", "", "Default subject")

	clientsCmd.AddCommand(clientsImportCmd)
	templatesCmd.AddCommand(templatesImportCmd)
	rootCmd.AddCommand(clientsCmd, templatesCmd)
}

func runClientsImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()

	clients, err := parseClients(f)
	if err != nil {
		return err
	}

	store, err := app.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if err := store.Clients.Import(cmd.Context(), clients); err != nil {
		return fmt.Errorf("failed to import clients: %w", err)
	}

	withEmail := 0
	for _, c := range clients {
		if c.Email != "" {
			withEmail++
		}
	}
	fmt.Printf("Imported %d clients (%d with email)\n", len(clients), withEmail)
	return nil
}

// parseClients reads a CSV directory export. Clients without an email are
// kept; campaign expansion skips them.
func parseClients(r io.Reader) ([]models.Client, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty CSV file")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("CSV header must contain a name column")
	}
	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var clients []models.Client
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV: %w", err)
		}

		c := models.Client{
			Name:   field(rec, "name"),
			Email:  field(rec, "email"),
			Groups: []string{},
		}
		if c.Email != "" {
			if _, err := mail.ParseAddress(c.Email); err != nil {
				return nil, fmt.Errorf("line %d: invalid email %q", line, c.Email)
			}
		}
		for _, g := range strings.Split(field(rec, "groups"), ";") {
			if g = strings.TrimSpace(g); g != "" {
				c.Groups = append(c.Groups, g)
			}
		}
		clients = append(clients, c)
	}

	return clients, nil
}

func runTemplatesImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	html, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	t := templateFromFile(args[0], html)

	store, err := app.OpenStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	if err := store.Templates.Create(cmd.Context(), t); err != nil {
		return err
	}

	fmt.Printf("Template %s stored\n", t.ID)
	if !t.HasRenderableBody() {
		fmt.Println("Warning: template body is empty, campaigns using it cannot be sent")
	}
	return nil
}

func templateFromFile(path string, html []byte) *models.Template {
	id := templateImportID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	name := templateImportName
	if name == "" {
		name = id
	}
	return &models.Template{
		ID:      id,
		Name:    name,
		Subject: templateImportSubject,
		HTML:    string(html),
	}
}
