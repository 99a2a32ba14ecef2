package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/forge/internal/config"
	"github.com/zulandar/forge/internal/pool"
)

func newWorkersCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List GPU workers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkers(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "forge.yaml", "path to Forge config file")
	cmd.AddCommand(newWorkersStartCmd(&configPath))
	cmd.AddCommand(newWorkersStopCmd(&configPath))
	return cmd
}

func newWorkersStartCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start <worker-id>",
		Short: "Resume a stopped worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerPower(cmd.OutOrStdout(), *configPath, args[0], true)
		},
	}
}

func newWorkersStopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <worker-id>",
		Short: "Stop a running worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerPower(cmd.OutOrStdout(), *configPath, args[0], false)
		},
	}
}

func runWorkerPower(out io.Writer, configPath, workerID string, start bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.PoolConfigured() {
		return fmt.Errorf("no worker pool configured")
	}

	registry := pool.New(pool.Opts{
		APIKey:     cfg.RunPod.APIKey,
		EndpointID: cfg.RunPod.EndpointID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	verb := "stop"
	ok := false
	if start {
		verb = "start"
		ok = registry.StartPod(ctx, workerID)
	} else {
		ok = registry.StopPod(ctx, workerID)
	}
	if !ok {
		return fmt.Errorf("could not %s worker %s", verb, workerID)
	}
	fmt.Fprintf(out, "Requested %s of worker %s\n", verb, workerID)
	return nil
}

func runWorkers(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !cfg.PoolConfigured() {
		fmt.Fprintf(out, "No worker pool configured; using static endpoint %s\n", cfg.Comfy.URL)
		return nil
	}

	registry := pool.New(pool.Opts{
		APIKey:      cfg.RunPod.APIKey,
		EndpointID:  cfg.RunPod.EndpointID,
		FallbackURL: cfg.Comfy.URL,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registry.Refresh(ctx, true); err != nil {
		return err
	}

	workers := registry.Snapshot()
	if len(workers) == 0 {
		fmt.Fprintln(out, "No workers found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGPU\tSTATUS\tHEALTHY\tENDPOINT")
	for _, wk := range workers {
		endpoint := wk.ComfyURL
		if endpoint == "" {
			endpoint = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			wk.ID, wk.Name, wk.GPUType, wk.Status, wk.Healthy, endpoint)
	}
	return w.Flush()
}
