package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// UpsertSecurities refreshes security metadata in place and returns the rows touched.
// updated_at always moves forward so SecuritiesUpdateNeeded sees the refresh.
func (s *Store) UpsertSecurities(ctx context.Context, securities []domain.Security) (int64, error) {
	if len(securities) == 0 {
		return 0, nil
	}

	return s.write(ctx, "upsert securities", func(tx *sql.Tx) (int64, error) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO securities (
				security_id, symbol, name, area, industry, market,
				exchange, list_date, list_status, is_hs, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (security_id) DO UPDATE SET
				symbol = excluded.symbol,
				name = excluded.name,
				area = excluded.area,
				industry = excluded.industry,
				market = excluded.market,
				exchange = excluded.exchange,
				list_date = excluded.list_date,
				list_status = excluded.list_status,
				is_hs = excluded.is_hs,
				updated_at = excluded.updated_at`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare security upsert: %w", err)
		}
		defer stmt.Close()

		var written int64
		for _, sec := range securities {
			if sec.ID == "" {
				return 0, fmt.Errorf("security without id")
			}
			var listDate sql.NullInt64
			if sec.ListDate != nil {
				listDate = sql.NullInt64{Int64: domain.DateToUnix(*sec.ListDate), Valid: true}
			}
			status := sec.ListStatus
			if status == "" {
				status = domain.ListStatusListed
			}
			updatedAt := sec.UpdatedAt
			if updatedAt.IsZero() {
				updatedAt = time.Now()
			}

			res, err := stmt.ExecContext(ctx,
				sec.ID, sec.Symbol, sec.Name, sec.Area, sec.Industry, sec.Market,
				sec.Exchange, listDate, string(status), sec.IsHS, updatedAt.Unix(),
			)
			if err != nil {
				return 0, fmt.Errorf("failed to upsert security %s: %w", sec.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("failed to get rows affected: %w", err)
			}
			written += n
		}
		return written, nil
	})
}

const securityColumns = `security_id, symbol, name, area, industry, market,
	exchange, list_date, list_status, is_hs, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSecurity(row rowScanner) (domain.Security, error) {
	var (
		sec       domain.Security
		listDate  sql.NullInt64
		status    string
		updatedAt int64
	)
	err := row.Scan(&sec.ID, &sec.Symbol, &sec.Name, &sec.Area, &sec.Industry, &sec.Market,
		&sec.Exchange, &listDate, &status, &sec.IsHS, &updatedAt)
	if err != nil {
		return sec, err
	}
	if listDate.Valid {
		d := domain.UnixToDate(listDate.Int64)
		sec.ListDate = &d
	}
	sec.ListStatus = domain.ListStatus(status)
	sec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sec, nil
}

// ListSecurities returns listed securities ordered by ID
func (s *Store) ListSecurities(ctx context.Context) ([]domain.Security, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+securityColumns+" FROM securities WHERE list_status = ? ORDER BY security_id ASC",
		string(domain.ListStatusListed))
	if err != nil {
		return nil, fmt.Errorf("failed to query securities: %w", err)
	}
	defer rows.Close()

	var securities []domain.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		securities = append(securities, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating securities: %w", err)
	}
	return securities, nil
}

// GetSecurity returns one security, or nil when unknown
func (s *Store) GetSecurity(ctx context.Context, securityID string) (*domain.Security, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+securityColumns+" FROM securities WHERE security_id = ?", securityID)
	sec, err := scanSecurity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %s: %w", securityID, err)
	}
	return &sec, nil
}

// AppendCalendar inserts calendar entries, ignoring dates already known.
// The calendar is append-only.
func (s *Store) AppendCalendar(ctx context.Context, entries []domain.TradingCalendarEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	return s.write(ctx, "append calendar", func(tx *sql.Tx) (int64, error) {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trading_calendar (exchange, cal_date, is_open)
			VALUES (?, ?, ?)
			ON CONFLICT (exchange, cal_date) DO NOTHING`)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare calendar insert: %w", err)
		}
		defer stmt.Close()

		var written int64
		for _, e := range entries {
			isOpen := 0
			if e.IsOpen {
				isOpen = 1
			}
			res, err := stmt.ExecContext(ctx, e.Exchange, domain.DateToUnix(e.Date), isOpen)
			if err != nil {
				return 0, fmt.Errorf("failed to insert calendar %s %s: %w", e.Exchange, domain.FormatDate(e.Date), err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return 0, fmt.Errorf("failed to get rows affected: %w", err)
			}
			written += n
		}
		return written, nil
	})
}

// ListTradingDates returns the open dates of exchange in r, ascending
func (s *Store) ListTradingDates(ctx context.Context, exchange string, r domain.DateRange) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cal_date FROM trading_calendar
		WHERE exchange = ? AND is_open = 1 AND cal_date BETWEEN ? AND ?
		ORDER BY cal_date ASC`,
		exchange, domain.DateToUnix(r.From), domain.DateToUnix(r.To))
	if err != nil {
		return nil, fmt.Errorf("failed to query trading dates for %s: %w", exchange, err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan trading date: %w", err)
		}
		dates = append(dates, domain.UnixToDate(d))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trading dates: %w", err)
	}
	return dates, nil
}

// LatestCalendarDate returns the last known calendar date of exchange, open or not.
// The zero time means the calendar is empty.
func (s *Store) LatestCalendarDate(ctx context.Context, exchange string) (time.Time, error) {
	return s.calendarBound(ctx, "MAX", exchange)
}

// EarliestCalendarDate returns the first known calendar date of exchange, open or not.
// The zero time means the calendar is empty.
func (s *Store) EarliestCalendarDate(ctx context.Context, exchange string) (time.Time, error) {
	return s.calendarBound(ctx, "MIN", exchange)
}

func (s *Store) calendarBound(ctx context.Context, agg, exchange string) (time.Time, error) {
	var bound sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT "+agg+"(cal_date) FROM trading_calendar WHERE exchange = ?", exchange,
	).Scan(&bound)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get calendar bound for %s: %w", exchange, err)
	}
	if !bound.Valid {
		return time.Time{}, nil
	}
	return domain.UnixToDate(bound.Int64), nil
}

// CalendarUpdateNeeded reports whether the calendar of exchange does not cover r.
// A calendar that starts after r.From is as stale as one that ends before r.To.
func (s *Store) CalendarUpdateNeeded(ctx context.Context, exchange string, r domain.DateRange) (bool, error) {
	latest, err := s.LatestCalendarDate(ctx, exchange)
	if err != nil {
		return false, err
	}
	if latest.IsZero() || latest.Before(domain.NormalizeDate(r.To)) {
		return true, nil
	}
	earliest, err := s.EarliestCalendarDate(ctx, exchange)
	if err != nil {
		return false, err
	}
	return earliest.After(domain.NormalizeDate(r.From)), nil
}

// SecuritiesUpdateNeeded reports whether security metadata was not refreshed today
func (s *Store) SecuritiesUpdateNeeded(ctx context.Context, today time.Time) (bool, error) {
	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM securities").Scan(&latest); err != nil {
		return false, fmt.Errorf("failed to get securities refresh time: %w", err)
	}
	if !latest.Valid {
		return true, nil
	}
	return latest.Int64 < domain.DateToUnix(today), nil
}
