package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"milo/internal/config"
	"milo/internal/llm"
	"milo/internal/logging"
)

const probeTimeout = 15 * time.Second

func newProbeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check connectivity to the configured model endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			color.NoColor = color.NoColor || !isTTY()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			fmt.Printf("Endpoint: %s\n", cfg.Endpoint)
			fmt.Printf("Model:    %s\n\n", cfg.Model)

			client, err := llm.NewClient(llm.Config{
				APIKey:  cfg.APIKey,
				BaseURL: cfg.Endpoint,
				Model:   cfg.Model,
			}, logging.Nop())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()

			models, err := client.Probe(ctx)
			if err != nil {
				fmt.Println(red("✗ endpoint unreachable"))
				return err
			}

			fmt.Println(green("✓ endpoint ok"))
			configured := false
			for _, m := range models {
				marker := " "
				if m.ID == cfg.Model {
					marker = green("*")
					configured = true
				}
				owner := ""
				if m.OwnedBy != "" {
					owner = gray(" (" + m.OwnedBy + ")")
				}
				fmt.Printf("  %s %s%s\n", marker, m.ID, owner)
			}
			if !configured && len(models) > 0 {
				fmt.Printf("\n%s\n", gray("configured model not in the endpoint's list; it may still work"))
			}
			return nil
		},
	}
}
