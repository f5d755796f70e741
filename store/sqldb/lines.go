package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/accrual-engine/accrual"
)

// =============================================================================
// PO LINES
// =============================================================================

const lineColumns = `id, po_number, line_number, vendor, description, net_amount, gl_account,
	cost_center, start_date, end_date, category, status, created_at, updated_at`

// UpsertLine inserts or refreshes a line by business key. The stored id,
// status and created_at win over the incoming values; so does the stored
// category when the incoming one is empty.
func (s *Store) UpsertLine(ctx context.Context, line accrual.PoLine) (accrual.PoLine, bool, error) {
	query := `
		INSERT INTO po_lines (` + lineColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (po_number, line_number) DO UPDATE SET
			vendor = excluded.vendor,
			description = excluded.description,
			net_amount = excluded.net_amount,
			gl_account = excluded.gl_account,
			cost_center = excluded.cost_center,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			category = CASE WHEN CAST(? AS TEXT) = '' THEN po_lines.category ELSE excluded.category END,
			updated_at = excluded.updated_at
	`
	category := line.Category
	if category == "" {
		category = accrual.CategoryPeriod
	}
	_, err := s.exec(ctx, query,
		line.ID, line.PONumber, line.LineNumber, line.Vendor, line.Description,
		line.NetAmount.String(), line.GLAccount, line.CostCenter,
		nullDate(line.StartDate), nullDate(line.EndDate),
		string(category), string(line.Status),
		formatTime(line.CreatedAt), formatTime(line.UpdatedAt),
		string(line.Category),
	)
	if err != nil {
		return accrual.PoLine{}, false, fmt.Errorf("failed to upsert po line: %w", err)
	}

	stored, err := s.GetLineByKey(ctx, line.PONumber, line.LineNumber)
	if err != nil {
		return accrual.PoLine{}, false, err
	}
	return stored, stored.ID == line.ID, nil
}

func (s *Store) GetLine(ctx context.Context, id string) (accrual.PoLine, error) {
	row := s.queryRow(ctx, "SELECT "+lineColumns+" FROM po_lines WHERE id = ?", id)
	line, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.PoLine{}, &accrual.NotFoundError{Kind: "po_line", ID: id}
	}
	return line, err
}

func (s *Store) GetLineByKey(ctx context.Context, poNumber, lineNumber string) (accrual.PoLine, error) {
	row := s.queryRow(ctx, "SELECT "+lineColumns+" FROM po_lines WHERE po_number = ? AND line_number = ?",
		poNumber, lineNumber)
	line, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return accrual.PoLine{}, &accrual.NotFoundError{Kind: "po_line", ID: poNumber + "/" + lineNumber}
	}
	return line, err
}

func (s *Store) ListLines(ctx context.Context, filter accrual.LineFilter) ([]accrual.PoLine, error) {
	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if len(filter.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(filter.IDs))+")")
		args = append(args, stringArgs(filter.IDs)...)
	}
	query := "SELECT " + lineColumns + " FROM po_lines"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY po_number, line_number"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query po lines: %w", err)
	}
	defer rows.Close()

	var lines []accrual.PoLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) UpdateLine(ctx context.Context, line accrual.PoLine) error {
	return s.execOne(ctx, "po_line", line.ID, `
		UPDATE po_lines SET vendor = ?, description = ?, net_amount = ?, gl_account = ?, cost_center = ?,
			start_date = ?, end_date = ?, category = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		line.Vendor, line.Description, line.NetAmount.String(), line.GLAccount, line.CostCenter,
		nullDate(line.StartDate), nullDate(line.EndDate), string(line.Category), string(line.Status),
		formatTime(line.UpdatedAt), line.ID,
	)
}

// DeleteLines removes lines and their dependents in one transaction.
func (s *Store) DeleteLines(ctx context.Context, ids []string) (int, error) {
	var deleted int
	err := s.atomically(ctx, func(ts *Store) error {
		targets, err := ts.lineIDs(ctx, ids)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return nil
		}
		in := placeholders(len(targets))
		args := stringArgs(targets)
		stmts := []string{
			`DELETE FROM business_responses WHERE assignment_id IN
				(SELECT id FROM activity_assignments WHERE po_line_id IN (` + in + `))`,
			"DELETE FROM activity_assignments WHERE po_line_id IN (" + in + ")",
			"DELETE FROM approval_submissions WHERE po_line_id IN (" + in + ")",
			"DELETE FROM period_calculations WHERE po_line_id IN (" + in + ")",
			"DELETE FROM grn_transactions WHERE po_line_id IN (" + in + ")",
			"DELETE FROM po_lines WHERE id IN (" + in + ")",
		}
		for _, stmt := range stmts {
			if _, err := ts.exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("failed to delete po lines: %w", err)
			}
		}
		deleted = len(targets)
		return nil
	})
	return deleted, err
}

// lineIDs returns the stored ids among ids, or every id when ids is empty.
func (s *Store) lineIDs(ctx context.Context, ids []string) ([]string, error) {
	query := "SELECT id FROM po_lines"
	var args []any
	if len(ids) > 0 {
		query += " WHERE id IN (" + placeholders(len(ids)) + ")"
		args = stringArgs(ids)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query po line ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanLine(row scanner) (accrual.PoLine, error) {
	var (
		line                 accrual.PoLine
		netAmount            string
		startDate, endDate   sql.NullString
		category, status     string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&line.ID, &line.PONumber, &line.LineNumber, &line.Vendor, &line.Description,
		&netAmount, &line.GLAccount, &line.CostCenter, &startDate, &endDate,
		&category, &status, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return line, err
		}
		return line, fmt.Errorf("failed to scan po line: %w", err)
	}

	var d decoder
	line.NetAmount = d.decimal(netAmount)
	line.StartDate = d.datePtr(startDate)
	line.EndDate = d.datePtr(endDate)
	line.Category = accrual.Category(category)
	line.Status = accrual.LineStatus(status)
	line.CreatedAt = d.time(createdAt)
	line.UpdatedAt = d.time(updatedAt)
	return line, d.err
}

// =============================================================================
// GRN
// =============================================================================

// ReplaceGrn swaps the row for (line, document number) and stamps the next
// sequence value.
func (s *Store) ReplaceGrn(ctx context.Context, tx accrual.GrnTransaction) (accrual.GrnTransaction, error) {
	err := s.atomically(ctx, func(ts *Store) error {
		if _, err := ts.exec(ctx,
			"DELETE FROM grn_transactions WHERE po_line_id = ? AND document_number = ?",
			tx.PoLineID, tx.DocumentNumber); err != nil {
			return fmt.Errorf("failed to delete grn: %w", err)
		}
		tx.Seq = ts.seq.Add(1)
		_, err := ts.exec(ctx, `
			INSERT INTO grn_transactions (id, po_line_id, grn_date, document_number, value, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.PoLineID, tx.Date.UTC().Format(dateLayout), tx.DocumentNumber,
			tx.Value.String(), tx.Seq, formatTime(tx.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("grn %s on line %s: %w", tx.DocumentNumber, tx.PoLineID, ErrDuplicateKey)
			}
			return fmt.Errorf("failed to insert grn: %w", err)
		}
		return nil
	})
	if err != nil {
		return accrual.GrnTransaction{}, err
	}
	return tx, nil
}

func (s *Store) ListGrns(ctx context.Context, poLineID string) ([]accrual.GrnTransaction, error) {
	rows, err := s.query(ctx, `
		SELECT id, po_line_id, grn_date, document_number, value, seq, created_at
		FROM grn_transactions
		WHERE po_line_id = ?
		ORDER BY grn_date ASC, seq ASC`, poLineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grns: %w", err)
	}
	defer rows.Close()

	var out []accrual.GrnTransaction
	for rows.Next() {
		var (
			g                      accrual.GrnTransaction
			date, value, createdAt string
		)
		if err := rows.Scan(&g.ID, &g.PoLineID, &date, &g.DocumentNumber, &value, &g.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan grn: %w", err)
		}
		var d decoder
		if p := d.datePtr(sql.NullString{String: date, Valid: true}); p != nil {
			g.Date = *p
		}
		g.Value = d.decimal(value)
		g.CreatedAt = d.time(createdAt)
		if d.err != nil {
			return nil, d.err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =============================================================================
// PERIOD CALCULATIONS
// =============================================================================

const calcColumns = `po_line_id, processing_month, prev_month_true_up, current_month_true_up,
	remarks, activity_final_provision, updated_at`

func (s *Store) GetCalculation(ctx context.Context, poLineID, month string) (*accrual.PeriodCalculation, error) {
	row := s.queryRow(ctx, "SELECT "+calcColumns+
		" FROM period_calculations WHERE po_line_id = ? AND processing_month = ?", poLineID, month)
	calc, err := scanCalculation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &calc, nil
}

func (s *Store) UpsertCalculation(ctx context.Context, calc accrual.PeriodCalculation) error {
	_, err := s.exec(ctx, `
		INSERT INTO period_calculations (`+calcColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (po_line_id, processing_month) DO UPDATE SET
			prev_month_true_up = excluded.prev_month_true_up,
			current_month_true_up = excluded.current_month_true_up,
			remarks = excluded.remarks,
			activity_final_provision = excluded.activity_final_provision,
			updated_at = excluded.updated_at`,
		calc.PoLineID, calc.ProcessingMonth, calc.PrevMonthTrueUp.String(), calc.CurrentMonthTrueUp.String(),
		calc.Remarks, nullDecimal(calc.ActivityFinalProvision), formatTime(calc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert calculation: %w", err)
	}
	return nil
}

func (s *Store) ListCalculations(ctx context.Context, month string) ([]accrual.PeriodCalculation, error) {
	rows, err := s.query(ctx, "SELECT "+calcColumns+
		" FROM period_calculations WHERE processing_month = ? ORDER BY po_line_id", month)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	defer rows.Close()

	var out []accrual.PeriodCalculation
	for rows.Next() {
		calc, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, calc)
	}
	return out, rows.Err()
}

func scanCalculation(row scanner) (accrual.PeriodCalculation, error) {
	var (
		calc          accrual.PeriodCalculation
		prev, current string
		activityFinal sql.NullString
		updatedAt     string
	)
	err := row.Scan(&calc.PoLineID, &calc.ProcessingMonth, &prev, &current,
		&calc.Remarks, &activityFinal, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calc, err
		}
		return calc, fmt.Errorf("failed to scan calculation: %w", err)
	}
	var d decoder
	calc.PrevMonthTrueUp = d.decimal(prev)
	calc.CurrentMonthTrueUp = d.decimal(current)
	calc.ActivityFinalProvision = d.decimalPtr(activityFinal)
	calc.UpdatedAt = d.time(updatedAt)
	return calc, d.err
}
