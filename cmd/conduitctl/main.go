// Command conduitctl is a thin operator CLI over conduitd's HTTP API:
// it issues the same requests a dashboard would, for workflows that
// don't need a browser during development.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var serverAddr string

func main() {
	root := &cobra.Command{
		Use:   "conduitctl",
		Short: "operator CLI for conduit's DAG orchestration core",
	}
	root.PersistentFlags().StringVar(&serverAddr, "addr", envOr("CONDUITCTL_ADDR", "http://localhost:8099"), "conduitd server address")

	root.AddCommand(dagCmd(), deviceCmd(), taskCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func dagCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dag", Short: "manage DAGs"}

	var project, extraContext string
	create := &cobra.Command{
		Use:   "create <brief>",
		Short: "materialize a DAG from a free-form brief via the Planner Client",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out map[string]any
			err := doJSON("POST", "/dags", map[string]any{
				"project":       project,
				"brief":         args[0],
				"extra_context": extraContext,
			}, &out)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	create.Flags().StringVar(&project, "project", "", "project name")
	create.Flags().StringVar(&extraContext, "context", "", "extra context spliced into the planner prompt")

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "start executing a DAG",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var out map[string]any
			if err := doJSON("POST", "/dags/"+args[0]+"/execute", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list DAGs",
		RunE: func(c *cobra.Command, args []string) error {
			var out []map[string]any
			if err := doJSON("GET", "/dags", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(create, run, list)
	return cmd
}

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "device", Short: "manage devices"}

	list := &cobra.Command{
		Use:   "list",
		Short: "list registered devices",
		RunE: func(c *cobra.Command, args []string) error {
			var out []map[string]any
			if err := doJSON("GET", "/devices", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	cmd.AddCommand(list)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "inspect tasks"}

	logs := &cobra.Command{
		Use:   "logs <id>",
		Short: "print a task's captured output lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			var task struct {
				Output []struct {
					Stream string `json:"stream"`
					Text   string `json:"text"`
				} `json:"output"`
			}
			if err := doJSON("GET", "/tasks/"+args[0], nil, &task); err != nil {
				return err
			}
			for _, line := range task.Output {
				fmt.Printf("[%s] %s\n", line.Stream, line.Text)
			}
			return nil
		},
	}

	cmd.AddCommand(logs)
	return cmd
}

func doJSON(method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverAddr+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
