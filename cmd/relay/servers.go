package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	ports "github.com/ZanzyTHEbar/toolrelay/relay/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolrelay/relay/toolservers"
)

func serversCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"server"},
		Short:   "Manage tool servers",
	}
	cmd.AddCommand(serversListCmd(), serversAddCmd(), serversRemoveCmd(), serversConnectCmd(), serversToolsCmd())
	return cmd
}

func serversListCmd() *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tool servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if connect {
				// Failures show up in the state column.
				_ = svc.ConnectAll(ctx)
			}
			statuses := svc.Statuses()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTRANSPORT\tTARGET\tSTATE\tTOOLS")
			for _, d := range svc.ListServers() {
				st := statuses[d.ID]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", d.ID, d.Name, d.Transport, target(d), st.State, len(st.Tools))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "connect every server before listing")
	return cmd
}

func target(d toolservers.Descriptor) string {
	if d.Transport == toolservers.TransportStream {
		return d.Endpoint
	}
	return d.Command
}

func serversAddCmd() *cobra.Command {
	var d toolservers.Descriptor
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a tool server",
		Example: `  relay servers add --name files --command npx --arg -y --arg @modelcontextprotocol/server-filesystem --arg /tmp
  relay servers add --name search --endpoint https://tools.example.com/mcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			d.Transport = toolservers.TransportProcess
			if d.Endpoint != "" {
				d.Transport = toolservers.TransportStream
			}
			created, err := svc.CreateServer(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&d.Name, "name", "", "display name")
	cmd.Flags().StringVar(&d.Command, "command", "", "command that starts a process server")
	cmd.Flags().StringArrayVar(&d.Args, "arg", nil, "argument for the command (repeatable)")
	cmd.Flags().StringToStringVar(&d.Env, "env", nil, "environment variable for the command, KEY=VALUE")
	cmd.Flags().StringVar(&d.Endpoint, "endpoint", "", "http(s) endpoint of a remote server")
	_ = cmd.MarkFlagRequired("name")
	cmd.MarkFlagsMutuallyExclusive("command", "endpoint")
	cmd.MarkFlagsOneRequired("command", "endpoint")
	return cmd
}

func serversRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a tool server",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.DeleteServer(ctx, args[0])
		},
	}
}

func serversConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <id>",
		Short: "Connect to a tool server and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := connectOrExplain(cmd.ErrOrStderr(), svc.Connect(ctx, args[0])); err != nil {
				return err
			}
			tools, err := svc.ListTools(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected, %d tools available\n", len(tools))
			return nil
		},
	}
}

func serversToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <id>",
		Short: "List the tools a server exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := connectOrExplain(cmd.ErrOrStderr(), svc.Connect(ctx, args[0])); err != nil {
				return err
			}
			tools, err := svc.ListTools(args[0])
			if err != nil {
				return err
			}
			printTools(cmd.OutOrStdout(), tools)
			return nil
		},
	}
}

// connectOrExplain prints the diagnostic of a failed connect.
func connectOrExplain(w io.Writer, err error) error {
	var ce *toolservers.ConnectError
	if errors.As(err, &ce) && ce.Diagnostic != "" {
		fmt.Fprintln(w, ce.Diagnostic)
	}
	return err
}

func printTools(w io.Writer, tools []ports.ToolSpec) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
	}
	_ = tw.Flush()
}
