package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/toolrelay/relay/generation/models"
)

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage the on-device model",
	}
	cmd.AddCommand(modelLoadCmd(), modelUnloadCmd(), modelStatusCmd())
	return cmd
}

func modelLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <model>",
		Short: "Load a GGUF model from providers.ondevice.models_dir",
		Long: `Loads the model and reports progress, which checks that it works on this
machine. The model stays loaded only while the command runs; chat loads
providers.ondevice.default_model on first use.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			events, stop, err := svc.SubscribeModel()
			if err != nil {
				return err
			}
			done := make(chan struct{})
			go func() {
				defer close(done)
				for ev := range events {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-9s %3.0f%% %s\n", ev.Status.Phase, ev.Status.Progress*100, ev.Status.ModelID)
				}
			}()

			err = svc.LoadModel(ctx, args[0])
			stop()
			<-done
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	}
}

func modelUnloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload",
		Short: "Release the on-device model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.UnloadModel(ctx)
		},
	}
}

func modelStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the on-device load status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			svc, err := openService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			st, err := svc.ModelStatus()
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(struct {
				models.LoadStatus
				Backend string `json:"backend"`
			}{st, "on-device"})
		},
	}
}
