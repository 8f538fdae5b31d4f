package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/toolrelay/relay/generation"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/harness"
	"github.com/ZanzyTHEbar/toolrelay/relay/generation/models"
	"github.com/ZanzyTHEbar/toolrelay/relay/toolservers"
)

func chatCmd() *cobra.Command {
	var (
		system    string
		backend   string
		showTrace bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Reads one message per line from stdin. Every registered tool server is
connected first. Type /reset to start over or /exit to quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if backend != "" {
				id, err := models.ParseBackendID(backend)
				if err != nil {
					return err
				}
				svc.SetPreference(id)
			}

			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
			reportConnections(errOut, svc.ConnectAll(ctx))

			session := generation.NewSession(svc, system)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "/exit", "/quit":
					return nil
				case "/reset":
					session.Reset()
					fmt.Fprintln(out, "(new conversation)")
					continue
				}

				ans := session.Send(ctx, line)
				if showTrace {
					printTrace(errOut, ans)
				}
				fmt.Fprintln(out, ans.Content)
				if ans.Incomplete {
					fmt.Fprintf(errOut, "(stopped after %d model calls; %d tool calls were not run)\n", ans.Iterations, len(ans.Pending))
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system prompt for the conversation")
	cmd.Flags().StringVar(&backend, "backend", "", "auto, on-device, ollama or anthropic (default providers.preference)")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print every tool call and its result")
	return cmd
}

func reportConnections(w io.Writer, err error) {
	if err == nil {
		return
	}
	var ce *toolservers.ConnectError
	for _, e := range unwrapAll(err) {
		if errors.As(e, &ce) && ce.Diagnostic != "" {
			fmt.Fprintf(w, "tool server unavailable:\n%s\n\n", ce.Diagnostic)
			continue
		}
		fmt.Fprintf(w, "tool server unavailable: %v\n", e)
	}
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func printTrace(w io.Writer, ans harness.FinalAnswer) {
	for _, t := range ans.Trace {
		status := "ok"
		if t.Result.IsError {
			status = "error"
		}
		fmt.Fprintf(w, "  [%s] %s %s -> %s\n", status, t.Call.Name, t.Call.Args, oneLine(t.Result.Output, 160))
	}
	if ans.UsedFallback {
		fmt.Fprintf(w, "  (%s answered without native tool support)\n", ans.Backend)
	}
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
