package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sacha-l/ResearchOS/internal/config"
)

type queryView struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Question    string `json:"question"`
	SubmittedAt string `json:"submitted_at"`
	Status      string `json:"status"`
	Answer      string `json:"answer"`
	Metadata    string `json:"metadata"`
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Submit a research question",
	Long: `Submit a research question for asynchronous AI completion.

Examples:
  researchos ask "What drives the cost of solar panels?"
  researchos ask --user alice --wait "What is CRISPR?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		user, _ := cmd.Flags().GetString("user")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		resp, err := client.post(ctx, "/queries", map[string]string{
			"question": question,
			"user_id":  user,
		})
		if err != nil {
			return err
		}

		var q queryView
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		if !wait {
			printSuccess("Submitted query %s (status: %s)", q.ID, q.Status)
			return nil
		}

		printStep("Submitted query %s, waiting for completion...", q.ID)
		q, err = pollUntilTerminal(ctx, client, q.ID, 2*time.Minute)
		if err != nil {
			return err
		}

		if q.Status == "failed" {
			printError("Query failed: %s", q.Metadata)
			return nil
		}
		fmt.Println(q.Answer)
		return nil
	},
}

func pollUntilTerminal(ctx context.Context, client *apiClient, id string, timeout time.Duration) (queryView, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := client.get(ctx, "/queries/"+id)
		if err != nil {
			return queryView{}, err
		}
		var q queryView
		if err := decodeJSON(resp, &q); err != nil {
			return queryView{}, err
		}
		if q.Status == "completed" || q.Status == "failed" {
			return q, nil
		}
		if time.Now().After(deadline) {
			return q, fmt.Errorf("timed out waiting for query %s (still %s)", id, q.Status)
		}
		select {
		case <-ctx.Done():
			return q, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func init() {
	askCmd.Flags().String("user", "local", "caller identifier owning the query")
	askCmd.Flags().Bool("wait", false, "poll until the query completes and print the answer")
}

// --- queries ---

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Inspect submitted queries",
}

var queriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's queries in submission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/users/"+user+"/queries")
		if err != nil {
			return err
		}

		var queries []queryView
		if err := decodeJSON(resp, &queries); err != nil {
			return err
		}

		if len(queries) == 0 {
			fmt.Println("No queries found.")
			return nil
		}

		for _, q := range queries {
			question := q.Question
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			fmt.Printf("%s  %-10s  %s  %s\n",
				colorize(colorCyan, shortID(q.ID)),
				q.Status,
				q.SubmittedAt,
				question,
			)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var queriesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queries/"+args[0])
		if err != nil {
			return err
		}

		var q any
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	},
}

func init() {
	queriesListCmd.Flags().String("user", "local", "caller identifier to list queries for")
	queriesCmd.AddCommand(queriesListCmd)
	queriesCmd.AddCommand(queriesShowCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show query statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var st struct {
			Total     int `json:"total_queries"`
			Completed int `json:"completed_queries"`
			Failed    int `json:"failed_queries"`
			Users     int `json:"active_users"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Total queries", "%d", st.Total)
		printStatus("Completed", "%d", st.Completed)
		printStatus("Failed", "%d", st.Failed)
		printStatus("Distinct users", "%d", st.Users)
		return nil
	},
}

// --- service-config ---

var serviceConfigCmd = &cobra.Command{
	Use:   "service-config",
	Short: "Show or update the stored service configuration",
}

var serviceConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored service configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/service-config")
		if err != nil {
			return err
		}

		var cfg any
		if err := decodeJSON(resp, &cfg); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var serviceConfigSetAICmd = &cobra.Command{
	Use:   "set-ai",
	Short: "Replace the AI-provider sub-configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")
		model, _ := cmd.Flags().GetString("model")
		apiKey, _ := cmd.Flags().GetString("api-key")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		temperature, _ := cmd.Flags().GetFloat64("temperature")

		if endpoint == "" || model == "" {
			return fmt.Errorf("--endpoint and --model are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"endpoint":    endpoint,
			"model":       model,
			"max_tokens":  maxTokens,
			"temperature": temperature,
		}
		if apiKey != "" {
			body["api_key"] = apiKey
		}

		resp, err := client.put(cmd.Context(), "/service-config/ai", body)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("AI configuration updated (model: %s)", model)
		return nil
	},
}

func init() {
	serviceConfigSetAICmd.Flags().String("endpoint", "", "chat completions endpoint URL")
	serviceConfigSetAICmd.Flags().String("model", "", "model name")
	serviceConfigSetAICmd.Flags().String("api-key", "", "bearer credential for the provider")
	serviceConfigSetAICmd.Flags().Int("max-tokens", 1000, "completion token budget")
	serviceConfigSetAICmd.Flags().Float64("temperature", 0.7, "sampling temperature")
	serviceConfigCmd.AddCommand(serviceConfigShowCmd)
	serviceConfigCmd.AddCommand(serviceConfigSetAICmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage local process configuration",
	Long: `Manage the local configuration file. These keys control the process
(port, data directory, logging); the AI-provider configuration lives in the
running service and is managed with 'service-config'.`,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration keys and their effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("%-28s %-36s %s\n", colorize(colorBold, k.Key), k.EnvVar, k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration key to the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		printStep("Restart the server for the change to take effect")
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration key, reverting to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove queries older than the given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge, _ := cmd.Flags().GetInt("max-age-seconds")
		if maxAge <= 0 {
			return fmt.Errorf("--max-age-seconds must be positive")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cleanup", map[string]int{"max_age_seconds": maxAge})
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d queries", result["removed"])
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("max-age-seconds", 0, "remove queries older than this many seconds")
}

// --- backup ---

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export or import a full snapshot",
}

var backupExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full store as a JSON snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/backup")
		if err != nil {
			return err
		}

		var snap any
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}

		writer := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		enc := json.NewEncoder(writer)
		if err := enc.Encode(snap); err != nil {
			return err
		}

		if output != "" {
			printSuccess("Snapshot exported to %s", output)
		}
		return nil
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Destructively replace the store from a JSON snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		confirm, _ := cmd.Flags().GetBool("confirm")

		if input == "" {
			return fmt.Errorf("--input is required")
		}
		if !confirm {
			printWarning("Import replaces ALL stored data. Use --confirm to proceed.")
			return nil
		}

		data, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("reading snapshot: %w", err)
		}

		var snap map[string]any
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("invalid snapshot JSON: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/backup", snap)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Snapshot imported from %s", input)
		return nil
	},
}

func init() {
	backupExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	backupImportCmd.Flags().String("input", "", "snapshot file to import")
	backupImportCmd.Flags().Bool("confirm", false, "confirm destructive replacement")
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
}
