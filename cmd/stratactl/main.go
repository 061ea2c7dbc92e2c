package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	addr    string
	client  = &http.Client{Timeout: 30 * time.Second}
)

var rootCmd = &cobra.Command{
	Use:   "stratactl",
	Short: "Manage a running stratad instance",
	Long:  `Command line client for the stratad HTTP API: inspect tiers and endpoints, trigger and cancel migrations, restore records.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8080", "stratad API address")

	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		tiersCmd,
		endpointsCmd,
		migrationsCmd,
		restoreCmd,
		putCmd,
	)
	migrationsCmd.AddCommand(migrationsTriggerCmd, migrationsCancelCmd)
	migrationsTriggerCmd.Flags().Int64("reclaim-bytes", 0, "bytes to reclaim (default: down to the low-water mark)")
	restoreCmd.Flags().StringP("output", "o", "", "write payload to file instead of stdout")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stratactl %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getJSON("/v1/status", os.Stdout)
	},
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show tier usage and watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tiers []struct {
			Tier      string  `json:"tier"`
			UsedBytes int64   `json:"used_bytes"`
			Capacity  int64   `json:"capacity"`
			HighWater float64 `json:"high_water"`
			LowWater  float64 `json:"low_water"`
		}
		if err := getInto("/v1/tiers", &tiers); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tUSED\tCAPACITY\tUSAGE\tHIGH\tLOW")
		for _, t := range tiers {
			usage := "-"
			if t.Capacity > 0 {
				usage = fmt.Sprintf("%.1f%%", 100*float64(t.UsedBytes)/float64(t.Capacity))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%.2f\n",
				t.Tier, formatBytes(t.UsedBytes), formatBytes(t.Capacity), usage, t.HighWater, t.LowWater)
		}
		return w.Flush()
	},
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show endpoint health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var eps []struct {
			ID        string  `json:"id"`
			URL       string  `json:"url"`
			Health    string  `json:"health"`
			Fails     int     `json:"consecutive_fails"`
			LatencyMS float64 `json:"latency_ms"`
		}
		if err := getInto("/v1/endpoints", &eps); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tHEALTH\tFAILS\tLATENCY")
		for _, e := range eps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.1fms\n", e.ID, e.URL, e.Health, e.Fails, e.LatencyMS)
		}
		return w.Flush()
	},
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List migration jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []struct {
			ID          string `json:"ID"`
			Source      int    `json:"Source"`
			Dest        int    `json:"Dest"`
			Status      string `json:"Status"`
			StartedAt   string `json:"StartedAt"`
			CompletedAt string `json:"CompletedAt"`
		}
		if err := getInto("/v1/migrations", &jobs); err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tSTARTED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", j.ID, j.Status, j.StartedAt)
		}
		return w.Flush()
	},
}

var migrationsTriggerCmd = &cobra.Command{
	Use:   "trigger <source> <dest>",
	Short: "Trigger a migration between two tiers",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reclaim, _ := cmd.Flags().GetInt64("reclaim-bytes")
		body, _ := json.Marshal(map[string]interface{}{
			"source":        args[0],
			"dest":          args[1],
			"reclaim_bytes": reclaim,
		})
		resp, err := client.Post(addr+"/v1/migrations", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("a migration between %s and %s is already running", args[0], args[1])
		}
		return printJSON(resp.Body)
	},
}

var migrationsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running migration job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequest(http.MethodDelete, addr+"/v1/migrations/"+args[0], nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("no running job %s", args[0])
		}
		return printJSON(resp.Body)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <record-id>",
	Short: "Restore a record payload from whichever tier holds it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := client.Get(addr + "/v1/records/" + args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return apiError(resp)
		}

		out := cmd.OutOrStdout()
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		_, err = io.Copy(out, resp.Body)
		return err
	},
}

var putCmd = &cobra.Command{
	Use:   "put <record-id> <file>",
	Short: "Store a payload in the core tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		req, err := http.NewRequest(http.MethodPut, addr+"/v1/records/"+args[0], bytes.NewReader(data))
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return apiError(resp)
		}
		return printJSON(resp.Body)
	},
}

func getJSON(path string, w io.Writer) error {
	resp, err := client.Get(addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func getInto(path string, v interface{}) error {
	resp, err := client.Get(addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func printJSON(r io.Reader) error {
	_, err := io.Copy(os.Stdout, r)
	return err
}

func formatBytes(n int64) string {
	if n < 0 {
		return "unbounded"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGT"[exp])
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
