package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"tradeyard/internal/domain"
)

func scanAssessment(sc rowScanner) (domain.RiskAssessment, error) {
	var a domain.RiskAssessment
	var factorsJSON, violation sql.NullString
	var degraded int
	err := sc.Scan(&a.ID, &a.IntentID, &a.Score, &a.Status, &factorsJSON, &violation, &degraded, &a.ComputedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if factorsJSON.Valid && factorsJSON.String != "" {
		if err := json.Unmarshal([]byte(factorsJSON.String), &a.Factors); err != nil {
			return a, err
		}
	}
	if violation.Valid {
		a.Violation = &violation.String
	}
	a.Degraded = degraded != 0
	return a, nil
}

// InsertAssessment appends one immutable assessment row in the caller's
// transaction.
func (r Repo) InsertAssessment(ctx context.Context, tx *sql.Tx, a domain.RiskAssessment) error {
	factorsJSON, err := nullableJSON(a.Factors, len(a.Factors) == 0)
	if err != nil {
		return err
	}
	degraded := 0
	if a.Degraded {
		degraded = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO risk_assessments(id,intent_id,score,status,factors_json,violation,degraded,computed_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.IntentID, a.Score, a.Status, factorsJSON, nullableStringPtr(a.Violation), degraded, a.ComputedAt)
	return err
}

const assessmentColumns = `id,intent_id,score,status,factors_json,violation,degraded,computed_at`

func (r Repo) LatestAssessment(ctx context.Context, intentID string) (domain.RiskAssessment, error) {
	return scanAssessment(r.DB.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM risk_assessments
WHERE intent_id=? ORDER BY computed_at DESC, id DESC LIMIT 1`, intentID))
}

func (r Repo) LatestAssessmentTx(ctx context.Context, tx *sql.Tx, intentID string) (domain.RiskAssessment, error) {
	return scanAssessment(tx.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM risk_assessments
WHERE intent_id=? ORDER BY computed_at DESC, id DESC LIMIT 1`, intentID))
}

func (r Repo) ListAssessments(ctx context.Context, intentID string) ([]domain.RiskAssessment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assessmentColumns+` FROM risk_assessments
WHERE intent_id=? ORDER BY computed_at DESC, id DESC`, intentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
