package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peerdrop/discovery"
)

type discoverOptions struct {
	timeout time.Duration
	json    bool
	watch   bool
}

func newDiscoverCommand(a *app) *cobra.Command {
	opts := discoverOptions{}
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List senders advertised on the local network",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		cfg := discovery.Config{ScanTimeout: opts.timeout, Logger: a.log}
		if opts.watch {
			return runWatch(cmd.Context(), a, cfg)
		}
		return runDiscover(cmd.Context(), a, cfg, opts.json)
	})
	cmd.Flags().DurationVar(&opts.timeout, "timeout", discovery.DefaultScanTimeout, "how long to browse")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "keep browsing and print changes until interrupted")
	return cmd
}

func runDiscover(ctx context.Context, a *app, cfg discovery.Config, asJSON bool) error {
	peers, err := discovery.Scan(ctx, cfg)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(a.out, peerModels(peers))
	}
	if len(peers) == 0 {
		fmt.Fprintln(a.out, "No senders found.")
		return nil
	}
	return writePeerTable(a.out, peers)
}

func runWatch(ctx context.Context, a *app, cfg discovery.Config) error {
	scanner, err := discovery.NewPeerScanner(cfg)
	if err != nil {
		return err
	}
	scanner.Start()
	defer scanner.Stop()

	fmt.Fprintln(a.out, "Watching for senders (Ctrl+C to stop)")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-scanner.Events():
			if !ok {
				return nil
			}
			fmt.Fprintln(a.out, formatPeerEvent(event))
		}
	}
}

func formatPeerEvent(event discovery.Event) string {
	switch event.Type {
	case discovery.EventPeerRemoved:
		return fmt.Sprintf("- %s", event.Peer.PeerID)
	default:
		return fmt.Sprintf("+ %s  %s  %s", event.Peer.PeerID, event.Peer.DeviceName, event.Peer.Address())
	}
}
