package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/simaogato/mixflow-backend/internal/domain"
)

// runRepository implements domain.RunRepository
type runRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) domain.RunRepository {
	return &runRepository{db: db}
}

// transferRow is one outcome of a run with its position in the report
type transferRow struct {
	branch  sql.NullInt64
	outcome domain.TransferOutcome
}

func transferRows(result *domain.MixRunResult) []transferRow {
	rows := make([]transferRow, 0, len(result.Hops)+2*len(result.Branches))
	for _, hop := range result.Hops {
		rows = append(rows, transferRow{outcome: hop})
	}
	for _, branch := range result.Branches {
		index := sql.NullInt64{Int64: int64(branch.Index), Valid: true}
		if branch.Split != nil {
			rows = append(rows, transferRow{branch: index, outcome: *branch.Split})
		}
		if branch.Consolidate != nil {
			rows = append(rows, transferRow{branch: index, outcome: *branch.Consolidate})
		}
	}
	return rows
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Save stores a run report with all its transfers and holdings in a database transaction
func (r *runRepository) Save(ctx context.Context, result *domain.MixRunResult) error {
	report, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	// Start a database transaction
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	// Insert the run header
	insertRunQuery := `
		INSERT INTO mix_runs (id, strategy, status, fee_mode, source, destination, route,
			requested, delivered, total_fees, residue, stalled_at_hop, cancelled,
			started_at, finished_at, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = dbTx.ExecContext(ctx, insertRunQuery,
		result.ID,
		string(result.Strategy),
		string(result.Status),
		string(result.FeeMode),
		result.Source,
		result.Destination,
		pq.Array(result.Route),
		result.Requested.String(),
		result.Delivered.String(),
		result.TotalFees.String(),
		result.Residue.String(),
		result.StalledAtHop,
		result.Cancelled,
		result.StartedAt,
		result.FinishedAt,
		report,
	)
	if err != nil {
		return fmt.Errorf("failed to insert mix run: %w", err)
	}

	// Insert every transfer outcome
	insertTransferQuery := `
		INSERT INTO mix_run_transfers (run_id, position, request_id, branch_index, from_address,
			to_address, requested, sent, fee, succeeded, attempts, failure_kind, failure_reason, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	for position, row := range transferRows(result) {
		outcome := row.outcome
		_, err = dbTx.ExecContext(ctx, insertTransferQuery,
			result.ID,
			position,
			outcome.RequestID,
			row.branch,
			outcome.From,
			outcome.To,
			outcome.Requested.String(),
			outcome.Sent.String(),
			outcome.Fee.String(),
			outcome.Succeeded,
			outcome.Attempts,
			nullString(string(outcome.FailureKind)),
			nullString(outcome.FailureReason),
			outcome.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert mix run transfer: %w", err)
		}
	}

	// Insert where undelivered funds sit
	insertHoldingQuery := `
		INSERT INTO mix_run_holdings (run_id, address, amount, reason)
		VALUES ($1, $2, $3, $4)
	`

	for _, holding := range result.Holdings {
		_, err = dbTx.ExecContext(ctx, insertHoldingQuery,
			result.ID,
			holding.Address,
			holding.Amount.String(),
			holding.Reason,
		)
		if err != nil {
			return fmt.Errorf("failed to insert mix run holding: %w", err)
		}
	}

	// Commit the transaction
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID retrieves a run report by its ID
func (r *runRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.MixRunResult, error) {
	query := `
		SELECT report
		FROM mix_runs
		WHERE id = $1
	`

	var report []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(&report)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to get mix run by ID: %w", err)
	}

	return decodeReport(report)
}

// List retrieves run reports, newest first
func (r *runRepository) List(ctx context.Context, limit, offset int) ([]*domain.MixRunResult, error) {
	query := `
		SELECT report
		FROM mix_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list mix runs: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.MixRunResult, 0)
	for rows.Next() {
		var report []byte
		if err := rows.Scan(&report); err != nil {
			return nil, fmt.Errorf("failed to scan mix run: %w", err)
		}

		result, err := decodeReport(report)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mix runs: %w", err)
	}

	return results, nil
}

func decodeReport(report []byte) (*domain.MixRunResult, error) {
	var result domain.MixRunResult
	if err := json.Unmarshal(report, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run report: %w", err)
	}
	return &result, nil
}
