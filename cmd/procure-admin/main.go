// ABOUTME: Operator CLI for procure-gateway inspection and administration
// ABOUTME: Speaks the gateway's HTTP API with caller and admin bearer headers

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/procure-gateway/internal/client"
)

const banner = `
                                                     _           _
 _ __  _ __ ___   ___ _   _ _ __ ___        __ _  __| |_ __ ___ (_)_ __
| '_ \| '__/ _ \ / __| | | | '__/ _ \_____ / _' |/ _' | '_ ' _ \| | '_ \
| |_) | | | (_) | (__| |_| | | |  __/_____| (_| | (_| | | | | | | | | | |
| .__/|_|  \___/ \___|\__,_|_|  \___|      \__,_|\__,_|_| |_| |_|_|_| |_|
|_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Get config from environment or token file
	// PROCURE_GATEWAY_URL is preferred; PROCURE_GATEWAY_HOST derives the URL
	baseURL := os.Getenv("PROCURE_GATEWAY_URL")
	if baseURL == "" {
		if host := os.Getenv("PROCURE_GATEWAY_HOST"); host != "" {
			baseURL = "http://" + host + ":8020"
		} else {
			baseURL = "http://localhost:8020"
		}
	}
	token := getToken()
	agentID := getEnv("PROCURE_AGENT_ID", "reasoning_orchestrator")

	c := client.New(client.Config{
		BaseURL:    baseURL,
		AgentID:    agentID,
		AdminToken: token,
	})

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "health":
		err = cmdHealth(c)
	case "discover":
		err = cmdDiscover(c, args)
	case "call":
		err = cmdCall(c, args)
	case "reload":
		err = cmdReload(c)
	case "goals":
		err = cmdGoals(c, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: procure-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  health                     Show gateway and database health")
	fmt.Println("  discover [agent-id]        List the tools an agent may call")
	fmt.Println("  call <method> [params]     Send one JSON-RPC request (params as JSON)")
	fmt.Println("  reload                     Reload catalog and ACL from the database")
	fmt.Println("  goals                      List recent goal runs")
	fmt.Println("  goals <goal-id>            Show one goal run with its full history")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  PROCURE_GATEWAY_URL        Gateway base URL (default: http://localhost:8020)")
	fmt.Println("  PROCURE_GATEWAY_HOST       Gateway hostname (derives the URL on :8020)")
	fmt.Println("  PROCURE_AGENT_ID           Caller identity for call/discover (default: reasoning_orchestrator)")
	fmt.Println("  PROCURE_TOKEN              Admin JWT (default: ~/.config/procure/token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  procure-admin discover triage_agent")
	fmt.Println("  procure-admin call tool.calculate_thresholds '{\"value\": 250000}'")
	fmt.Println("  procure-admin goals --status COMPLETED --limit 10")
	fmt.Println()
}

// cmdHealth shows the gateway's health endpoint with a touch of color.
func cmdHealth(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil {
		return err
	}

	switch health.Status {
	case "healthy":
		color.Green("  Gateway:   %s", health.Status)
	case "degraded":
		color.Yellow("  Gateway:   %s", health.Status)
	default:
		color.Red("  Gateway:   %s", health.Status)
	}
	fmt.Printf("  Database:  %s\n", health.Database)
	fmt.Printf("  Checked:   %s\n", health.Timestamp)

	return nil
}

// cmdDiscover lists the tools granted to an agent, enriched from the catalog.
func cmdDiscover(c *client.Client, args []string) error {
	agentID := getEnv("PROCURE_AGENT_ID", "reasoning_orchestrator")
	if len(args) > 0 {
		agentID = args[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	discovery, err := c.Discover(ctx, agentID)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  Tools for %s\n", discovery.AgentID)
	fmt.Println()

	if len(discovery.Tools) == 0 {
		fmt.Println("  No methods granted.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  METHOD\tTYPE\tTARGET\tDESCRIPTION")
	fmt.Fprintln(w, "  ------\t----\t------\t-----------")

	for _, t := range discovery.Tools {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
			t.Method, t.ServiceType, truncate(t.SQLFunctionName, 28), truncate(t.Description, 48))
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdCall sends one JSON-RPC request under the configured agent identity.
func cmdCall(c *client.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: procure-admin call <method> [params-json]")
	}
	method := args[0]

	params := json.RawMessage(`{}`)
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("params must be valid JSON: %s", args[1])
		}
		params = json.RawMessage(args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	result, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}

	return printJSON(result)
}

// cmdReload asks the gateway to re-read catalog and ACL rows from the store.
func cmdReload(c *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := c.Reload(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ %s\n", result.Message)
	fmt.Printf("  Services: %d\n", result.ServicesLoaded)
	fmt.Printf("  Agents:   %d\n", result.AgentsConfigured)

	return nil
}

// cmdGoals lists recent runs, or shows one run when given an id.
func cmdGoals(c *client.Client, args []string) error {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return cmdGoalDetail(c, args[0])
	}

	// Parse filter flags
	// Supports both "--status value" and "--status=value" formats
	var filter client.GoalFilter
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--status":
			if i+1 >= len(args) {
				return fmt.Errorf("--status requires a value")
			}
			filter.Status = args[i+1]
			i++
		case strings.HasPrefix(arg, "--status="):
			filter.Status = strings.TrimPrefix(arg, "--status=")
		case arg == "--agent":
			if i+1 >= len(args) {
				return fmt.Errorf("--agent requires a value")
			}
			filter.AgentID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--agent="):
			filter.AgentID = strings.TrimPrefix(arg, "--agent=")
		case arg == "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --limit: %w", err)
			}
			filter.Limit = n
			i++
		case strings.HasPrefix(arg, "--limit="):
			n, err := strconv.Atoi(strings.TrimPrefix(arg, "--limit="))
			if err != nil {
				return fmt.Errorf("parsing --limit: %w", err)
			}
			filter.Limit = n
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runs, err := c.Goals(ctx, filter)
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("  No goal runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tAGENT\tITER\tFINISHED\tDESCRIPTION")
	fmt.Fprintln(w, "  --\t------\t-----\t----\t--------\t-----------")

	for _, r := range runs {
		id := truncate(r.GoalID, 12)
		finished := r.FinishedAt
		if t, err := time.Parse(time.RFC3339, r.FinishedAt); err == nil {
			finished = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\t%s\n",
			id, r.Status, truncate(r.AgentID, 24), r.Iterations, finished, truncate(r.Description, 40))
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdGoalDetail shows one finished run with its state and history.
func cmdGoalDetail(c *client.Client, id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := c.Goal(ctx, id)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Println("  Goal Run")
	cyan.Println("  --------")
	fmt.Printf("  ID:          %s\n", run.GoalID)
	fmt.Printf("  Description: %s\n", run.Description)
	fmt.Printf("  Status:      %s\n", run.Status)
	fmt.Printf("  Agent:       %s\n", run.AgentID)
	fmt.Printf("  Iterations:  %d\n", run.Iterations)
	fmt.Printf("  Started:     %s\n", run.StartedAt)
	fmt.Printf("  Finished:    %s\n", run.FinishedAt)
	if len(run.SuccessCriteria) > 0 {
		fmt.Printf("  Criteria:    %s\n", strings.Join(run.SuccessCriteria, "; "))
	}

	if len(run.FinalState) > 0 {
		fmt.Println()
		cyan.Println("  Final State")
		cyan.Println("  -----------")
		raw, err := json.Marshal(run.FinalState)
		if err != nil {
			return fmt.Errorf("encoding final state: %w", err)
		}
		if err := printJSON(raw); err != nil {
			return err
		}
	}

	if len(run.History) > 0 && string(run.History) != "null" {
		fmt.Println()
		cyan.Println("  Execution History")
		cyan.Println("  -----------------")
		if err := printJSON(run.History); err != nil {
			return err
		}
	}

	return nil
}

// printJSON pretty-prints a raw JSON value with two-space indentation.
func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "  ", "  "); err != nil {
		// Not an object or array, print as-is
		fmt.Printf("  %s\n", string(raw))
		return nil
	}
	fmt.Printf("  %s\n", buf.String())
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getToken returns the admin JWT from PROCURE_TOKEN or ~/.config/procure/token.
func getToken() string {
	// Check env var first
	if token := os.Getenv("PROCURE_TOKEN"); token != "" {
		return token
	}

	// Try to read from token file
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "procure", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
