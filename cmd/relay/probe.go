package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/models"
)

func probeCmd() *cobra.Command {
	var (
		asJSON bool
		hints  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report which model backends are available",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			probeHints := make(map[ports.BackendID]string, len(hints))
			for backend, model := range hints {
				id, err := models.ParseBackendID(backend)
				if err != nil {
					return err
				}
				probeHints[id] = model
			}

			results := models.Results(svc.ProbeAll(ctx, probeHints))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tAVAILABLE\tMODEL\tNATIVE TOOLS")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%t\t%s\t%t\n", r.Backend, r.Available, r.Model, r.NativeTools)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, r := range results {
				if r.Diagnostic != "" {
					fmt.Fprintf(os.Stderr, "\n%s: %s\n", r.Backend, r.Diagnostic)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the probe results as JSON")
	cmd.Flags().StringToStringVar(&hints, "model", nil, "preferred model per backend, e.g. --model ollama=qwen2.5")
	return cmd
}
