package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"peerdrop/discovery"
	"peerdrop/models"
	"peerdrop/storage"
	"peerdrop/ui"
)

const timeLayout = "2006-01-02 15:04"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func peerModels(peers []discovery.Peer) []models.Peer {
	out := make([]models.Peer, 0, len(peers))
	for _, p := range peers {
		peer := models.Peer{
			PeerID:     p.PeerID,
			DeviceName: p.DeviceName,
			Transport:  p.Transport,
			Version:    p.Version,
			Address:    p.Address(),
			Addresses:  append([]string{}, p.Addresses...),
		}
		if !p.LastSeen.IsZero() {
			peer.LastSeen = p.LastSeen.UnixMilli()
		}
		out = append(out, peer)
	}
	return out
}

func writePeerTable(w io.Writer, peers []discovery.Peer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER ID\tDEVICE\tTRANSPORT\tADDRESS")
	for _, p := range peers {
		transport := p.Transport
		if transport == "" {
			transport = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.PeerID, p.DeviceName, transport, p.Address())
	}
	return tw.Flush()
}

// transferModels converts stored rows. peers maps session IDs to peer IDs.
func transferModels(rows []storage.Transfer, peers map[string]string) []models.Transfer {
	out := make([]models.Transfer, 0, len(rows))
	for _, row := range rows {
		t := models.Transfer{
			TransferID: row.TransferID,
			SessionID:  row.SessionID,
			Direction:  row.Direction,
			PeerID:     peers[row.SessionID],
			FileName:   row.FileName,
			FileSize:   row.FileSize,
			MimeType:   row.MimeType,
			FileToken:  row.FileToken,
			Status:     row.Status,
			Progress:   row.Progress,
			StoredPath: row.StoredPath,
			Error:      row.Error,
			StartedAt:  row.StartedAt,
		}
		if row.FinishedAt != nil {
			t.FinishedAt = *row.FinishedAt
		}
		out = append(out, t)
	}
	return out
}

func writeTransferTable(w io.Writer, transfers []models.Transfer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDIR\tFILE\tSIZE\tSTATUS\tPEER")
	for _, t := range transfers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(t.StartedAt).Format(timeLayout),
			t.Direction,
			t.FileName,
			ui.FormatBytes(t.FileSize),
			transferStatus(t),
			shortID(t.PeerID),
		)
	}
	return tw.Flush()
}

func transferStatus(t models.Transfer) string {
	switch t.Status {
	case storage.TransferStatusInProgress:
		return fmt.Sprintf("%s %d%%", t.Status, t.Progress)
	case storage.TransferStatusFailed:
		if t.Error != "" {
			return "failed: " + firstLine(t.Error)
		}
	}
	return t.Status
}

func securityEventModels(rows []storage.SecurityEvent) []models.SecurityEvent {
	out := make([]models.SecurityEvent, 0, len(rows))
	for _, row := range rows {
		event := models.SecurityEvent{
			ID:        row.ID,
			Type:      row.EventType,
			Severity:  row.Severity,
			Details:   json.RawMessage(row.Details),
			Timestamp: row.Timestamp,
		}
		if row.SessionID != nil {
			event.SessionID = *row.SessionID
		}
		out = append(out, event)
	}
	return out
}

func writeSecurityTable(w io.Writer, events []models.SecurityEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tEVENT\tSESSION\tDETAILS")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			time.UnixMilli(e.Timestamp).Format(timeLayout),
			e.Severity,
			e.Type,
			shortID(e.SessionID),
			compactDetails(e.Details),
		)
	}
	return tw.Flush()
}

// compactDetails renders details as key=value pairs sorted by key.
func compactDetails(raw json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return firstLine(strings.Join(parts, " "))
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
