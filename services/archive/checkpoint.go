package archive

import (
	"context"
	"database/sql"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// RootKey is the checkpoint key for the top-level listing itself. Once
// it is complete a run has nothing left to do without an explicit
// clean.
const RootKey = ""

// Checkpoints is the durable record of which leagues and rounds have
// been extracted. Keys are (league_id, round_id) where an empty
// round_id addresses the league itself and RootKey/"" addresses the
// listing.
//
// A key moves pending -> in_progress -> {complete, failed}. failed may
// be retried; complete is terminal until an explicit Clear.
type Checkpoints struct {
	db *sql.DB
}

func NewCheckpoints(database *sql.DB) Checkpoints {
	return Checkpoints{db: database}
}

func (c Checkpoints) Status(ctx context.Context, leagueID, roundID string) (Status, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT status FROM checkpoints WHERE league_id = ? AND round_id = ?`,
		leagueID, roundID,
	)
	var status string
	err := row.Scan(&status)
	if err == sql.ErrNoRows {
		return StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (c Checkpoints) MarkInProgress(ctx context.Context, leagueID, roundID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (league_id, round_id, status, attempt_count, last_attempt_at)
		VALUES (?, ?, 'in_progress', 1, ?)
		ON CONFLICT(league_id, round_id) DO UPDATE SET
			status = 'in_progress',
			attempt_count = attempt_count + 1,
			last_attempt_at = excluded.last_attempt_at,
			error_detail = NULL`,
		leagueID, roundID, time.Now().Unix(),
	)
	return err
}

func (c Checkpoints) MarkComplete(ctx context.Context, leagueID, roundID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (league_id, round_id, status, last_attempt_at)
		VALUES (?, ?, 'complete', ?)
		ON CONFLICT(league_id, round_id) DO UPDATE SET
			status = 'complete',
			last_attempt_at = excluded.last_attempt_at,
			error_detail = NULL`,
		leagueID, roundID, time.Now().Unix(),
	)
	return err
}

func (c Checkpoints) MarkFailed(ctx context.Context, leagueID, roundID, detail string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (league_id, round_id, status, last_attempt_at, error_detail)
		VALUES (?, ?, 'failed', ?, ?)
		ON CONFLICT(league_id, round_id) DO UPDATE SET
			status = 'failed',
			last_attempt_at = excluded.last_attempt_at,
			error_detail = excluded.error_detail`,
		leagueID, roundID, time.Now().Unix(), detail,
	)
	return err
}

// Ensure records a pending key if none exists, preserving the order in
// which keys were first seen.
func (c Checkpoints) Ensure(ctx context.Context, leagueID, roundID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO checkpoints (league_id, round_id, status)
		VALUES (?, ?, 'pending')
		ON CONFLICT(league_id, round_id) DO NOTHING`,
		leagueID, roundID,
	)
	return err
}

// PendingRounds returns the league's round keys that have not reached
// complete, in first-seen order.
func (c Checkpoints) PendingRounds(ctx context.Context, leagueID string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT round_id FROM checkpoints
		WHERE league_id = ? AND round_id != '' AND status != 'complete'
		ORDER BY id`,
		leagueID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roundID string
		err = rows.Scan(&roundID)
		if err != nil {
			return nil, err
		}
		out = append(out, roundID)
	}
	return out, rows.Err()
}

// FailedRounds counts a league's rounds currently marked failed.
func (c Checkpoints) FailedRounds(ctx context.Context, leagueID string) (int, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoints
		WHERE league_id = ? AND round_id != '' AND status = 'failed'`,
		leagueID,
	)
	var n int
	err := row.Scan(&n)
	return n, err
}

// Incomplete counts every key not yet complete, the root key excluded.
func (c Checkpoints) Incomplete(ctx context.Context) (int, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkpoints
		WHERE NOT (league_id = '' AND round_id = '') AND status != 'complete'`,
	)
	var n int
	err := row.Scan(&n)
	return n, err
}

// ResetInProgress demotes keys a crashed run left in_progress back to
// pending. Called on startup, before anything is trusted.
func (c Checkpoints) ResetInProgress(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE checkpoints SET status = 'pending' WHERE status = 'in_progress'`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear forgets checkpoints so a later run re-extracts them. An empty
// leagueID clears everything; otherwise only the league's keys (and
// the root key, since the listing must be revisited to reach the
// league again) are removed.
func (c Checkpoints) Clear(ctx context.Context, leagueID string) error {
	if leagueID == "" {
		_, err := c.db.ExecContext(ctx, `DELETE FROM checkpoints`)
		return err
	}
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE league_id = ? OR (league_id = '' AND round_id = '')`,
		leagueID,
	)
	return err
}
