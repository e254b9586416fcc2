package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// A missing factor in the incoming row keeps the stored one, so bulk rows
// without the column never erase factors from the per-security path.
const upsertBarSQL = `
	INSERT INTO daily_bars (
		security_id, trade_date, open, high, low, close,
		pre_close, change, pct_chg, vol, amount, adj_factor
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (security_id, trade_date) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		pre_close = excluded.pre_close,
		change = excluded.change,
		pct_chg = excluded.pct_chg,
		vol = excluded.vol,
		amount = excluded.amount,
		adj_factor = COALESCE(excluded.adj_factor, daily_bars.adj_factor)
	WHERE daily_bars.open IS NOT excluded.open
		OR daily_bars.high IS NOT excluded.high
		OR daily_bars.low IS NOT excluded.low
		OR daily_bars.close IS NOT excluded.close
		OR daily_bars.pre_close IS NOT excluded.pre_close
		OR daily_bars.change IS NOT excluded.change
		OR daily_bars.pct_chg IS NOT excluded.pct_chg
		OR daily_bars.vol IS NOT excluded.vol
		OR daily_bars.amount IS NOT excluded.amount
		OR (excluded.adj_factor IS NOT NULL AND daily_bars.adj_factor IS NOT excluded.adj_factor)
`

const upsertFactorSQL = `
	INSERT INTO adj_factors (security_id, trade_date, adj_factor)
	VALUES (?, ?, ?)
	ON CONFLICT (security_id, trade_date) DO UPDATE SET
		adj_factor = excluded.adj_factor
	WHERE adj_factors.adj_factor IS NOT excluded.adj_factor
`

const syncBarFactorSQL = `
	UPDATE daily_bars SET adj_factor = ?
	WHERE security_id = ? AND trade_date = ? AND adj_factor IS NOT ?
`

// UpsertBars writes bars in one transaction and returns the number of bar rows
// inserted or changed. Factors carried by the bars are written to adj_factors
// in the same transaction.
func (s *Store) UpsertBars(ctx context.Context, bars []domain.PriceBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	return s.write(ctx, "upsert bars", func(tx *sql.Tx) (int64, error) {
		barStmt, err := tx.PrepareContext(ctx, upsertBarSQL)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare bar upsert: %w", err)
		}
		defer barStmt.Close()

		factorStmt, err := tx.PrepareContext(ctx, upsertFactorSQL)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare factor upsert: %w", err)
		}
		defer factorStmt.Close()

		var written int64
		for _, b := range bars {
			if b.SecurityID == "" || b.TradeDate.IsZero() {
				return 0, fmt.Errorf("bar without key: %q %v", b.SecurityID, b.TradeDate)
			}
			date := domain.DateToUnix(b.TradeDate)

			res, err := barStmt.ExecContext(ctx,
				b.SecurityID, date,
				nullFloat(b.Open), nullFloat(b.High), nullFloat(b.Low), nullFloat(b.Close),
				nullFloat(b.PreClose), nullFloat(b.Change), nullFloat(b.PctChange),
				nullFloat(b.Volume), nullFloat(b.Amount), nullFloat(b.AdjFactor),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to upsert bar %s %s: %w", b.SecurityID, domain.FormatDate(b.TradeDate), err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("failed to get rows affected: %w", err)
			}
			written += n

			if b.AdjFactor != nil {
				if _, err := factorStmt.ExecContext(ctx, b.SecurityID, date, *b.AdjFactor); err != nil {
					return 0, fmt.Errorf("failed to upsert adj factor %s %s: %w", b.SecurityID, domain.FormatDate(b.TradeDate), err)
				}
			}
		}
		return written, nil
	})
}

// UpsertAdjFactors writes standalone factors and mirrors them into matching bars.
// Returns the number of factor rows inserted or changed.
func (s *Store) UpsertAdjFactors(ctx context.Context, factors []domain.AdjustmentFactor) (int64, error) {
	if len(factors) == 0 {
		return 0, nil
	}

	return s.write(ctx, "upsert adj factors", func(tx *sql.Tx) (int64, error) {
		factorStmt, err := tx.PrepareContext(ctx, upsertFactorSQL)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare factor upsert: %w", err)
		}
		defer factorStmt.Close()

		barStmt, err := tx.PrepareContext(ctx, syncBarFactorSQL)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare bar factor update: %w", err)
		}
		defer barStmt.Close()

		var written int64
		for _, f := range factors {
			if f.SecurityID == "" || f.TradeDate.IsZero() {
				return 0, fmt.Errorf("adj factor without key: %q %v", f.SecurityID, f.TradeDate)
			}
			date := domain.DateToUnix(f.TradeDate)

			res, err := factorStmt.ExecContext(ctx, f.SecurityID, date, f.Factor)
			if err != nil {
				return 0, fmt.Errorf("failed to upsert adj factor %s %s: %w", f.SecurityID, domain.FormatDate(f.TradeDate), err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("failed to get rows affected: %w", err)
			}
			written += n

			if _, err := barStmt.ExecContext(ctx, f.Factor, f.SecurityID, date, f.Factor); err != nil {
				return 0, fmt.Errorf("failed to update bar factor %s %s: %w", f.SecurityID, domain.FormatDate(f.TradeDate), err)
			}
		}
		return written, nil
	})
}

// LoadRange returns the stored bars of one security in r, ordered by date
func (s *Store) LoadRange(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_date, open, high, low, close, pre_close, change, pct_chg, vol, amount, adj_factor
		FROM daily_bars
		WHERE security_id = ? AND trade_date BETWEEN ? AND ?
		ORDER BY trade_date ASC`,
		securityID, domain.DateToUnix(r.From), domain.DateToUnix(r.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query bars for %s: %w", securityID, err)
	}
	defer rows.Close()

	var bars []domain.PriceBar
	for rows.Next() {
		var (
			date                                   int64
			open, high, low, closePrice, preClose  sql.NullFloat64
			change, pctChg, vol, amount, adjFactor sql.NullFloat64
		)
		if err := rows.Scan(&date, &open, &high, &low, &closePrice, &preClose, &change, &pctChg, &vol, &amount, &adjFactor); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, domain.PriceBar{
			SecurityID: securityID,
			TradeDate:  domain.UnixToDate(date),
			Open:       floatPtr(open),
			High:       floatPtr(high),
			Low:        floatPtr(low),
			Close:      floatPtr(closePrice),
			PreClose:   floatPtr(preClose),
			Change:     floatPtr(change),
			PctChange:  floatPtr(pctChg),
			Volume:     floatPtr(vol),
			Amount:     floatPtr(amount),
			AdjFactor:  floatPtr(adjFactor),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}
	return bars, nil
}

// ScanDateColumn returns the dates in r for which a bar of securityID exists.
// Only the date column is read.
func (s *Store) ScanDateColumn(ctx context.Context, securityID string, r domain.DateRange) (map[time.Time]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_date FROM daily_bars
		WHERE security_id = ? AND trade_date BETWEEN ? AND ?`,
		securityID, domain.DateToUnix(r.From), domain.DateToUnix(r.To))
	if err != nil {
		return nil, fmt.Errorf("failed to scan dates for %s: %w", securityID, err)
	}
	defer rows.Close()

	dates := make(map[time.Time]struct{})
	for rows.Next() {
		var date int64
		if err := rows.Scan(&date); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates[domain.UnixToDate(date)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dates: %w", err)
	}
	return dates, nil
}

// HasAnyBars reports whether any bar is stored at all
func (s *Store) HasAnyBars(ctx context.Context) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM daily_bars)").Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for bars: %w", err)
	}
	return exists == 1, nil
}

// CountBars returns the number of stored bars
func (s *Store) CountBars(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM daily_bars").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return n, nil
}

// LoadAdjFactors returns the standalone factors of one security in r, ordered by date
func (s *Store) LoadAdjFactors(ctx context.Context, securityID string, r domain.DateRange) ([]domain.AdjustmentFactor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_date, adj_factor FROM adj_factors
		WHERE security_id = ? AND trade_date BETWEEN ? AND ?
		ORDER BY trade_date ASC`,
		securityID, domain.DateToUnix(r.From), domain.DateToUnix(r.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query adj factors for %s: %w", securityID, err)
	}
	defer rows.Close()

	var factors []domain.AdjustmentFactor
	for rows.Next() {
		var date int64
		var factor float64
		if err := rows.Scan(&date, &factor); err != nil {
			return nil, fmt.Errorf("failed to scan adj factor: %w", err)
		}
		factors = append(factors, domain.AdjustmentFactor{
			SecurityID: securityID,
			TradeDate:  domain.UnixToDate(date),
			Factor:     factor,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating adj factors: %w", err)
	}
	return factors, nil
}
