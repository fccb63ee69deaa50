package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/discovery"
	"peerdrop/network"
	"peerdrop/storage"
	"peerdrop/transfer"
	"peerdrop/ui"
)

const flushTimeout = 30 * time.Second

type sendOptions struct {
	listen     string
	advertise  bool
	fileTokens bool
	// onListening is called once the rendezvous listener is up.
	onListening func(peerID string, addr net.Addr)
}

// flusher is implemented by channels that buffer outbound messages.
type flusher interface {
	Flush(ctx context.Context) error
}

func newSendCommand(a *app) *cobra.Command {
	opts := sendOptions{}
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Offer files to the first receiver that connects",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		return runSend(cmd.Context(), a, args, opts)
	})
	cmd.Flags().StringVar(&opts.listen, "listen", "", "listen address (default: configured port on all interfaces)")
	cmd.Flags().BoolVar(&opts.advertise, "advertise", true, "advertise the peer ID over mDNS")
	cmd.Flags().BoolVar(&opts.fileTokens, "file-tokens", true, "tag each file with a random id")
	return cmd
}

func runSend(ctx context.Context, a *app, paths []string, opts sendOptions) error {
	files := make([]transfer.File, 0, len(paths))
	closers := make([]io.Closer, 0, len(paths))
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, path := range paths {
		file, closer, err := transfer.OpenFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		files = append(files, file)
		closers = append(closers, closer)
	}

	sessionOpts, err := a.cfg.TransferOptions()
	if err != nil {
		return err
	}

	peerID := uuid.NewString()
	listen := opts.listen
	if listen == "" {
		listen = fmt.Sprintf(":%d", a.cfg.ListeningPort)
	}
	server, err := network.Listen(listen, network.HandshakeOptions{PeerID: peerID})
	if err != nil {
		return err
	}
	defer server.Close()

	log := a.log.WithField("peer", peerID)
	if opts.advertise {
		advertiser, err := discovery.Advertise(discovery.Config{
			PeerID:     peerID,
			DeviceName: a.cfg.DeviceName,
			Port:       server.Port(),
			Transport:  a.cfg.Transport,
			Logger:     a.log,
		})
		if err != nil {
			log.WithError(err).Warn("mDNS advertisement failed; receivers need --addr")
		} else {
			defer advertiser.Stop()
		}
	}

	fmt.Fprintf(a.out, "Peer ID:   %s\n", peerID)
	fmt.Fprintf(a.out, "Listening: %s\n", server.Addr())
	fmt.Fprintf(a.out, "Waiting for a receiver (peerdrop receive %s)\n", peerID)
	if opts.onListening != nil {
		opts.onListening(peerID, server.Addr())
	}

	incoming, err := awaitReceiver(ctx, server, log)
	if err != nil {
		return err
	}

	channel, err := dataChannel(ctx, incoming.Channel, incoming.Transport, network.OfferDataChannel, a.cfg.ICEServers)
	if err != nil {
		return err
	}

	recorder := storage.NewRecorder(a.store, a.log)
	console := ui.NewConsole(a.out, ui.ConsoleOptions{Logger: a.log})
	sessionOpts.Logger = a.log
	sessionOpts.Observer = transfer.MultiObserver{console, recorder}
	sessionOpts.FileTokens = opts.fileTokens

	session, err := transfer.StartSenderSession(ctx, channel, sessionOpts)
	if err != nil {
		_ = channel.Close()
		return err
	}
	session.Enqueue(files...)
	sendErr := session.RequestSend(ctx)

	if f, ok := channel.(flusher); ok && sendErr == nil {
		flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
		if err := f.Flush(flushCtx); err != nil {
			log.WithError(err).Warn("Data channel did not drain before close")
		}
		cancel()
	}
	if err := session.Close(); err != nil && !errors.Is(err, network.ErrChannelClosed) {
		log.WithError(err).Debug("Channel close failed")
	}

	if sendErr != nil {
		return fmt.Errorf("send files: %w", sendErr)
	}
	fmt.Fprintf(a.out, "Sent %d file(s).\n", len(files))
	return nil
}

// awaitReceiver returns the first inbound rendezvous connection. Failed
// handshakes are logged and the wait continues.
func awaitReceiver(ctx context.Context, server *network.Server, log logrus.FieldLogger) (network.Incoming, error) {
	errs := server.Errors()
	for {
		select {
		case incoming, ok := <-server.Incoming():
			if !ok {
				return network.Incoming{}, network.ErrChannelClosed
			}
			log.WithField("transport", incoming.Transport).Info("Receiver connected")
			return incoming, nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(err).Warn("Rejected inbound connection")
		case <-ctx.Done():
			return network.Incoming{}, ctx.Err()
		}
	}
}

type negotiateFunc func(ctx context.Context, sig network.Channel, cfg network.WebRTCConfig) (*network.DataChannel, error)

// dataChannel returns the channel the session runs over. For WebRTC the
// rendezvous connection only carries signaling and is closed afterwards.
func dataChannel(ctx context.Context, conn *network.ConnChannel, transport string, negotiate negotiateFunc, iceServers []string) (network.Channel, error) {
	if transport != network.TransportWebRTC {
		return conn, nil
	}

	dc, err := negotiate(ctx, conn, network.WebRTCConfig{ICEServers: iceServers})
	_ = conn.Close()
	if err != nil {
		return nil, fmt.Errorf("negotiate data channel: %w", err)
	}
	return dc, nil
}
