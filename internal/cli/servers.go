package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/mcphost"
	"github.com/spf13/cobra"
)

func serversCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Connect to every configured server and list its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			d := mcphost.NewDispatcher(mcphost.WithDispatcherLogger(logger))
			defer d.Close()
			bridge := mcphost.NewBridge(d, cfg.Dialer(logger), cfg.BridgeOptions(logger)...)
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = bridge.Close(ctx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			var errs []error
			for _, s := range cfg.Servers {
				if err := printServer(ctx, out, bridge, s.Name); err != nil {
					fmt.Fprintf(out, "%s: %v\n\n", s.Name, err)
					errs = append(errs, fmt.Errorf("server %s: %w", s.Name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall timeout")
	return cmd
}

func printServer(ctx context.Context, out io.Writer, bridge *mcphost.Bridge, name string) error {
	info, err := bridge.Connect(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s (%s %s)\n", name, info.ServerInfo.Name, info.ServerInfo.Version)

	kinds := []mcphost.CapabilityKind{
		mcphost.CapabilityTools,
		mcphost.CapabilityResources,
		mcphost.CapabilityResourceTemplates,
		mcphost.CapabilityPrompts,
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, kind := range kinds {
		if !supports(info.Capabilities, kind) {
			continue
		}
		descs, err := bridge.ListCapability(ctx, name, kind)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", kind, err)
		}
		for _, desc := range descs {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", kind, descriptorName(desc), descriptorNote(desc))
		}
	}
	fmt.Fprintln(tw)
	return tw.Flush()
}

func supports(caps mcphost.CapabilitySet, kind mcphost.CapabilityKind) bool {
	switch kind {
	case mcphost.CapabilityTools:
		return caps.Tools
	case mcphost.CapabilityResources, mcphost.CapabilityResourceTemplates:
		return caps.Resources
	case mcphost.CapabilityPrompts:
		return caps.Prompts
	default:
		return false
	}
}

func descriptorName(d mcphost.Descriptor) string {
	switch {
	case d.URI != "":
		return d.URI
	case d.URITemplate != "":
		return d.URITemplate
	default:
		return d.Name
	}
}

func descriptorNote(d mcphost.Descriptor) string {
	if d.Kind == mcphost.CapabilityTools && !d.ReadOnly {
		return "[write] " + d.Description
	}
	return d.Description
}
