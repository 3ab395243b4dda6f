// fnvmctl is a debug and operator CLI for fnvmd: list what the registry
// last observed, and exercise the edge's run_code_on_request path without
// standing up a real frontend.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fnvmrun/fnvm/internal/config"
	"github.com/fnvmrun/fnvm/internal/registry"
)

func main() {
	cfg := config.DefaultConfig()

	root := &cobra.Command{
		Use:   "fnvmctl",
		Short: "Operator CLI for the fnvm function executor daemon",
	}
	root.PersistentFlags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the registry database")
	root.PersistentFlags().StringVar(&cfg.EdgeAddr, "edge", cfg.EdgeAddr, "edge HTTP address")

	root.AddCommand(
		newProgramsCmd(cfg),
		newInvokeCmd(cfg),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newProgramsCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "programs",
		Short: "List or inspect registered programs' last known state",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every VmHash the registry has ever observed",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := registry.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer db.Close()

			recs, err := db.ListPrograms()
			if err != nil {
				return fmt.Errorf("list programs: %w", err)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "VM_HASH\tSTATE\tVM_ID\tLAST_SEEN")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.VMHash, r.State, r.VMID, r.LastSeen.Format("2006-01-02T15:04:05Z07:00"))
			}
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get <vm-hash>",
		Short: "Show one VmHash's last known state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := registry.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer db.Close()

			rec, err := db.GetProgram(args[0])
			if err != nil {
				return fmt.Errorf("get program: %w", err)
			}
			if rec == nil {
				return fmt.Errorf("no record for vm_hash %s", args[0])
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	})
	return cmd
}

func newInvokeCmd(cfg *config.Config) *cobra.Command {
	var method, path, body string

	cmd := &cobra.Command{
		Use:   "invoke <vm-hash>",
		Short: "Send one HTTP request through the edge to a VmHash, cold-starting it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s/%s%s", cfg.EdgeAddr, args[0], path)
			req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("invoke: %w", err)
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			fmt.Printf("%d %s\n%s\n", resp.StatusCode, resp.Status, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&path, "path", "/", "path to pass through to the program")
	cmd.Flags().StringVar(&body, "body", "", "request body")
	return cmd
}
