package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if transfer.SessionID == "" {
		return errors.New("session_id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.Status == "" {
		transfer.Status = TransferStatusInProgress
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id,
			session_id,
			direction,
			file_name,
			file_size,
			mime_type,
			file_token,
			status,
			progress,
			stored_path,
			error,
			started_at,
			finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.SessionID,
		transfer.Direction,
		transfer.FileName,
		transfer.FileSize,
		nullIfEmpty(transfer.MimeType),
		nullIfEmpty(transfer.FileToken),
		transfer.Status,
		transfer.Progress,
		nullIfEmpty(transfer.StoredPath),
		nullIfEmpty(transfer.Error),
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// UpdateTransferProgress stores the last reported percentage.
func (s *Store) UpdateTransferProgress(transferID string, percent int) error {
	return s.updateTransfer(transferID, "progress",
		`UPDATE transfers SET progress = ? WHERE transfer_id = ?`,
		percent, transferID,
	)
}

// FinishTransfer marks a transfer complete or failed. errText is stored for
// failures only.
func (s *Store) FinishTransfer(transferID, status, errText string) error {
	if err := validateTransferStatus(status); err != nil {
		return err
	}
	if status == TransferStatusInProgress {
		return errors.New("finish status must be terminal")
	}

	progress := "progress"
	if status == TransferStatusComplete {
		progress = "100"
		errText = ""
	}
	return s.updateTransfer(transferID, "status",
		`UPDATE transfers
		SET status = ?, error = ?, progress = `+progress+`, finished_at = ?
		WHERE transfer_id = ?`,
		status, nullIfEmpty(errText), nowUnixMilli(), transferID,
	)
}

// SetTransferStoredPath records where a received file was written.
func (s *Store) SetTransferStoredPath(transferID, storedPath string) error {
	return s.updateTransfer(transferID, "stored path",
		`UPDATE transfers SET stored_path = ? WHERE transfer_id = ?`,
		nullIfEmpty(storedPath), transferID,
	)
}

// UpdateTransferFile stores details only known once a file has arrived.
func (s *Store) UpdateTransferFile(transferID, mimeType, fileToken string) error {
	return s.updateTransfer(transferID, "file details",
		`UPDATE transfers
		SET mime_type = COALESCE(?, mime_type), file_token = COALESCE(?, file_token)
		WHERE transfer_id = ?`,
		nullIfEmpty(mimeType), nullIfEmpty(fileToken), transferID,
	)
}

func (s *Store) updateTransfer(transferID, what, query string, args ...any) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update transfer %s %q: %w", what, transferID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %s %q: %w", what, transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// GetTransfer fetches a transfer by ID.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(transferSelect+` WHERE transfer_id = ?`, transferID)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return transfer, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(transferSelect)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

const transferSelect = `SELECT
	transfer_id,
	session_id,
	direction,
	file_name,
	file_size,
	mime_type,
	file_token,
	status,
	progress,
	stored_path,
	error,
	started_at,
	finished_at
FROM transfers`

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		mimeType   sql.NullString
		fileToken  sql.NullString
		storedPath sql.NullString
		errText    sql.NullString
		finishedAt sql.NullInt64
	)
	if err := row.Scan(
		&transfer.TransferID,
		&transfer.SessionID,
		&transfer.Direction,
		&transfer.FileName,
		&transfer.FileSize,
		&mimeType,
		&fileToken,
		&transfer.Status,
		&transfer.Progress,
		&storedPath,
		&errText,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	transfer.MimeType = mimeType.String
	transfer.FileToken = fileToken.String
	transfer.StoredPath = storedPath.String
	transfer.Error = errText.String
	transfer.FinishedAt = int64Ptr(finishedAt)
	return &transfer, nil
}
