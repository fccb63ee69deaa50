package models

// Peer represents a sender advertised on the LAN.
type Peer struct {
	PeerID     string   `json:"peer_id"`
	DeviceName string   `json:"device_name"`
	Transport  string   `json:"transport,omitempty"`
	Version    int      `json:"version"`
	Address    string   `json:"address"`
	Addresses  []string `json:"addresses"`
	LastSeen   int64    `json:"last_seen"`
}
