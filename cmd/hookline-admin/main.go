// Package main is the entry point for the hookline admin CLI.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL string
	username  string
	password  string
	apiKey    string
	tenant    string
	namespace string
	output    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hookline-admin",
		Short: "Admin CLI for the hookline event broker",
		Long:  `A command-line tool for inspecting topics, consumers and broker health over the HTTP API.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Broker server URL")
	rootCmd.PersistentFlags().StringVarP(&username, "username", "u", "", "Email for basic auth")
	rootCmd.PersistentFlags().StringVarP(&password, "password", "p", "", "Password for basic auth")
	rootCmd.PersistentFlags().StringVarP(&apiKey, "api-key", "k", "", "API key for authentication")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant name (multi-tenant deployments)")
	rootCmd.PersistentFlags().StringVar(&namespace, "namespace", "", "Namespace name (multi-tenant deployments)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage topics",
	}

	topicListCmd := &cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE:  listTopics,
	}

	topicGetCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Get topic detail",
		Args:  cobra.ExactArgs(1),
		RunE:  getTopic,
	}

	topicCreateCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a topic",
		Args:  cobra.ExactArgs(1),
		RunE:  createTopic,
	}
	topicCreateCmd.Flags().String("schemas", "", "Path to a JSON file with the schema definitions array")

	topicCmd.AddCommand(topicListCmd, topicGetCmd, topicCreateCmd)

	consumerCmd := &cobra.Command{
		Use:   "consumer",
		Short: "Manage consumers",
	}

	consumerListCmd := &cobra.Command{
		Use:   "list",
		Short: "List consumers",
		RunE:  listConsumers,
	}

	consumerDeleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Deregister a consumer",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteConsumer,
	}

	consumerCmd.AddCommand(consumerListCmd, consumerDeleteCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show broker health",
		RunE:  showHealth,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hookline-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(topicCmd, consumerCmd, healthCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// scopedPath prefixes a path with the tenant/namespace route when set.
func scopedPath(path string) string {
	if tenant != "" && namespace != "" {
		return "/tenants/" + tenant + "/namespaces/" + namespace + path
	}
	return path
}

// HTTP client helper
func doRequest(method, path string, body interface{}) (map[string]interface{}, error) {
	url := strings.TrimSuffix(serverURL, "/") + path

	var req *http.Request
	var err error

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err = http.NewRequest(method, url, strings.NewReader(string(jsonBody)))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequest(method, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
	}

	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	} else if username != "" && password != "" {
		req.SetBasicAuth(username, password)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req) // #nosec G704 -- admin CLI tool; URL is from user-provided --server flag
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && resp.StatusCode != http.StatusNoContent {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if m, ok := result["error"].(string); ok {
			msg = m
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func listTopics(cmd *cobra.Command, args []string) error {
	result, err := doRequest("GET", scopedPath("/topics"), nil)
	if err != nil {
		return err
	}

	topics, ok := result["topics"].([]interface{})
	if !ok {
		return fmt.Errorf("unexpected response format")
	}

	if output == "json" {
		return printJSON(topics)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSEQUENCE\tSCHEMAS")
	for _, t := range topics {
		tm := t.(map[string]interface{})
		schemas, _ := tm["schemas"].([]interface{})
		fmt.Fprintf(w, "%v\t%v\t%d\n", tm["name"], tm["sequence"], len(schemas))
	}
	return w.Flush()
}

func getTopic(cmd *cobra.Command, args []string) error {
	result, err := doRequest("GET", scopedPath("/topics/"+args[0]), nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func createTopic(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{"name": args[0], "schemas": []interface{}{}}

	if path, _ := cmd.Flags().GetString("schemas"); path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is a user-provided flag
		if err != nil {
			return fmt.Errorf("failed to read schemas file: %w", err)
		}
		var schemas []interface{}
		if err := json.Unmarshal(data, &schemas); err != nil {
			return fmt.Errorf("failed to parse schemas file: %w", err)
		}
		body["schemas"] = schemas
	}

	result, err := doRequest("POST", scopedPath("/topics"), body)
	if err != nil {
		return err
	}
	fmt.Printf("created topic %v\n", result["name"])
	return nil
}

func listConsumers(cmd *cobra.Command, args []string) error {
	result, err := doRequest("GET", scopedPath("/consumers"), nil)
	if err != nil {
		return err
	}

	consumers, ok := result["consumers"].([]interface{})
	if !ok {
		return fmt.Errorf("unexpected response format")
	}

	if output == "json" {
		return printJSON(consumers)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tCALLBACK\tTOPICS")
	for _, c := range consumers {
		cm := c.(map[string]interface{})
		topics, _ := cm["topics"].(map[string]interface{})
		names := make([]string, 0, len(topics))
		for name := range topics {
			names = append(names, name)
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%s\n", cm["id"], cm["kind"], cm["callback"], strings.Join(names, ","))
	}
	return w.Flush()
}

func deleteConsumer(cmd *cobra.Command, args []string) error {
	if _, err := doRequest("DELETE", scopedPath("/consumers/"+args[0]), nil); err != nil {
		return err
	}
	fmt.Printf("deleted consumer %s\n", args[0])
	return nil
}

func showHealth(cmd *cobra.Command, args []string) error {
	result, err := doRequest("GET", "/health", nil)
	if err != nil {
		return err
	}
	return printJSON(result)
}
