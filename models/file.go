package models

// Transfer is the exported history entry for one sent or received file.
type Transfer struct {
	TransferID string `json:"transfer_id"`
	SessionID  string `json:"session_id"`
	Direction  string `json:"direction"`
	PeerID     string `json:"peer_id,omitempty"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	MimeType   string `json:"mime_type,omitempty"`
	FileToken  string `json:"file_token,omitempty"`
	Status     string `json:"status"`
	Progress   int    `json:"progress"`
	StoredPath string `json:"stored_path,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}
