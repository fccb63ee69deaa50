package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"peerdrop/discovery"
	"peerdrop/network"
	"peerdrop/storage"
	"peerdrop/transfer"
	"peerdrop/ui"
)

const defaultDialAttempts = 3

type receiveOptions struct {
	addr      string
	transport string
	outputDir string
}

func newReceiveCommand(a *app) *cobra.Command {
	opts := receiveOptions{}
	cmd := &cobra.Command{
		Use:   "receive PEER_ID",
		Short: "Connect to a sender and save the files it offers",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		return runReceive(cmd.Context(), a, args[0], opts)
	})
	cmd.Flags().StringVar(&opts.addr, "addr", "", "sender address host:port (skips mDNS lookup)")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "data channel transport: tcp or webrtc (default from config)")
	cmd.Flags().StringVarP(&opts.outputDir, "output", "o", "", "download directory (default from config)")
	return cmd
}

func runReceive(ctx context.Context, a *app, peerID string, opts receiveOptions) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}

	transport := strings.ToLower(strings.TrimSpace(opts.transport))
	if transport == "" {
		transport = a.cfg.Transport
	}
	if transport != network.TransportTCP && transport != network.TransportWebRTC {
		return fmt.Errorf("unsupported transport %q", opts.transport)
	}

	sessionOpts, err := a.cfg.TransferOptions()
	if err != nil {
		return err
	}

	log := a.log.WithField("peer", peerID)
	addr := opts.addr
	if addr == "" {
		fmt.Fprintf(a.out, "Looking up %s on the local network...\n", peerID)
		peer, err := discovery.Resolve(ctx, discovery.Config{Logger: a.log}, peerID)
		if err != nil {
			return fmt.Errorf("resolve peer: %w", err)
		}
		addr = peer.Address()
		log.WithField("device", peer.DeviceName).Debug("Peer resolved")
	}

	fmt.Fprintf(a.out, "Connecting to %s\n", addr)
	conn, err := network.Dial(ctx, addr, network.HandshakeOptions{
		PeerID:       peerID,
		Transport:    transport,
		DialAttempts: defaultDialAttempts,
	})
	if err != nil {
		return err
	}

	channel, err := dataChannel(ctx, conn, transport, network.AnswerDataChannel, a.cfg.ICEServers)
	if err != nil {
		return err
	}

	downloadDir := opts.outputDir
	if downloadDir == "" {
		downloadDir = a.cfg.DownloadDir
	}
	recorder := storage.NewRecorder(a.store, a.log)
	console := ui.NewConsole(a.out, ui.ConsoleOptions{
		DownloadDir: downloadDir,
		OnSaved:     recorder.RecordSaved,
		Logger:      a.log,
	})
	sessionOpts.Logger = a.log
	sessionOpts.Observer = transfer.MultiObserver{recorder, console}

	session, err := transfer.StartReceiverSession(ctx, channel, peerID, sessionOpts)
	if err != nil {
		_ = channel.Close()
		return err
	}

	waitErr := session.Wait(ctx)
	if waitErr != nil && ctx.Err() != nil {
		_ = session.Close()
	}

	received := 0
	for _, file := range console.Transfers() {
		if file.Completed {
			received++
		}
	}
	fmt.Fprintf(a.out, "Received %d file(s) into %s.\n", received, downloadDir)

	if waitErr != nil {
		return waitErr
	}
	if failures := console.Failures(); failures > 0 {
		return fmt.Errorf("%d file(s) failed", failures)
	}
	return nil
}
