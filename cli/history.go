package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"peerdrop/storage"
)

type historyOptions struct {
	json      bool
	limit     int
	direction string
	session   string
	security  bool
	severity  string
}

func newHistoryCommand(a *app) *cobra.Command {
	opts := historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded transfers or security events, newest first",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, args []string) error {
		if opts.security {
			return runSecurityHistory(a, opts)
		}
		return runHistory(a, opts)
	})
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 50, "maximum number of entries")
	cmd.Flags().StringVar(&opts.direction, "direction", "", "only show send or receive")
	cmd.Flags().StringVar(&opts.session, "session", "", "only show one session")
	cmd.Flags().BoolVar(&opts.security, "security", false, "list security events instead of transfers")
	cmd.Flags().StringVar(&opts.severity, "severity", "", "with --security, minimum severity (info, warning, critical)")
	return cmd
}

func runHistory(a *app, opts historyOptions) error {
	if opts.severity != "" {
		return errors.New("--severity requires --security")
	}

	rows, err := a.store.ListTransfers(storage.TransferFilter{
		SessionID: opts.session,
		Direction: opts.direction,
		Limit:     opts.limit,
	})
	if err != nil {
		return fmt.Errorf("list transfers: %w", err)
	}

	peers := make(map[string]string)
	for _, row := range rows {
		if _, ok := peers[row.SessionID]; ok {
			continue
		}
		peers[row.SessionID] = ""
		session, err := a.store.GetSession(row.SessionID)
		if err != nil {
			a.log.WithError(err).WithField("session", row.SessionID).Debug("Session lookup failed")
			continue
		}
		peers[row.SessionID] = session.PeerID
	}

	transfers := transferModels(rows, peers)
	if opts.json {
		return writeJSON(a.out, transfers)
	}
	if len(transfers) == 0 {
		fmt.Fprintln(a.out, "No transfers recorded.")
		return nil
	}
	return writeTransferTable(a.out, transfers)
}

func runSecurityHistory(a *app, opts historyOptions) error {
	if opts.direction != "" {
		return errors.New("--direction does not apply to security events")
	}

	rows, err := a.store.ListSecurityEvents(storage.SecurityEventFilter{
		SessionID:   opts.session,
		MinSeverity: opts.severity,
		Limit:       opts.limit,
	})
	if err != nil {
		return fmt.Errorf("list security events: %w", err)
	}

	events := securityEventModels(rows)
	if opts.json {
		return writeJSON(a.out, events)
	}
	if len(events) == 0 {
		fmt.Fprintf(a.out, "No security events in the last %s.\n", retentionLabel(a.store))
		return nil
	}
	return writeSecurityTable(a.out, events)
}

func retentionLabel(store *storage.Store) string {
	retention := store.SecurityEventRetention()
	if days := int(retention.Hours() / 24); days > 0 && retention%(24*time.Hour) == 0 {
		return fmt.Sprintf("%d days", days)
	}
	return retention.String()
}
