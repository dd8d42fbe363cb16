package storage

import (
	"context"
	"fmt"

	"github.com/volatiletech/null/v8"

	"thrilha/domain"
)

type birthdayRow struct {
	ID               string   `db:"id"`
	OwnerID          string   `db:"owner_id"`
	Name             string   `db:"name"`
	Month            int      `db:"month"`
	Day              int      `db:"day"`
	Year             null.Int `db:"year"`
	Notes            string   `db:"notes"`
	RemindDaysBefore int      `db:"remind_days_before"`
	LastRemindedYear null.Int `db:"last_reminded_year"`
	CreatedAt        int64    `db:"created_at"`
	UpdatedAt        int64    `db:"updated_at"`
}

func (r birthdayRow) toDomain() domain.Birthday {
	return domain.Birthday{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Name:             r.Name,
		Month:            r.Month,
		Day:              r.Day,
		Year:             r.Year,
		Notes:            r.Notes,
		RemindDaysBefore: r.RemindDaysBefore,
		LastRemindedYear: r.LastRemindedYear,
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
}

func toBirthdays(rows []birthdayRow) []domain.Birthday {
	out := make([]domain.Birthday, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

const birthdayColumns = "id, owner_id, name, month, day, year, notes, remind_days_before, last_reminded_year, created_at, updated_at"

func (s *Store) ListBirthdays(ctx context.Context, ownerID string) ([]domain.Birthday, error) {
	var rows []birthdayRow
	err := s.db.SelectContext(ctx, &rows, s.q("SELECT "+birthdayColumns+" FROM birthdays WHERE owner_id = ? ORDER BY month, day, name"), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list birthdays: %w", err)
	}
	return toBirthdays(rows), nil
}

func (s *Store) GetBirthday(ctx context.Context, id string) (domain.Birthday, error) {
	var row birthdayRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+birthdayColumns+" FROM birthdays WHERE id = ?"), id)
	if isNoRows(err) {
		return domain.Birthday{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Birthday{}, fmt.Errorf("get birthday: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateBirthday(ctx context.Context, b *domain.Birthday) error {
	_, err := s.db.ExecContext(ctx, s.q("INSERT INTO birthdays ("+birthdayColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		b.ID, b.OwnerID, b.Name, b.Month, b.Day, b.Year, b.Notes, b.RemindDaysBefore, b.LastRemindedYear,
		toMillis(b.CreatedAt), toMillis(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create birthday: %w", err)
	}
	return nil
}

func (s *Store) UpdateBirthday(ctx context.Context, b *domain.Birthday) error {
	b.UpdatedAt = s.nowUTC()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE birthdays SET
			name = ?, month = ?, day = ?, year = ?, notes = ?, remind_days_before = ?, last_reminded_year = ?, updated_at = ?
		WHERE id = ?`),
		b.Name, b.Month, b.Day, b.Year, b.Notes, b.RemindDaysBefore, b.LastRemindedYear, toMillis(b.UpdatedAt), b.ID)
	if err != nil {
		return fmt.Errorf("update birthday: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteBirthday(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM birthdays WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("delete birthday: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BirthdaysOn returns birthdays falling on month/day whose reminder lead is
// daysBefore and that have not been reminded in year.
func (s *Store) BirthdaysOn(ctx context.Context, month, day, daysBefore, year int) ([]domain.Birthday, error) {
	var rows []birthdayRow
	err := s.db.SelectContext(ctx, &rows, s.q(`SELECT `+birthdayColumns+` FROM birthdays
		WHERE month = ? AND day = ? AND remind_days_before = ?
			AND (last_reminded_year IS NULL OR last_reminded_year < ?)
		ORDER BY id`), month, day, daysBefore, year)
	if err != nil {
		return nil, fmt.Errorf("birthdays on: %w", err)
	}
	return toBirthdays(rows), nil
}

func (s *Store) MarkBirthdayReminded(ctx context.Context, id string, year int) error {
	_, err := s.db.ExecContext(ctx, s.q("UPDATE birthdays SET last_reminded_year = ? WHERE id = ?"), year, id)
	if err != nil {
		return fmt.Errorf("mark birthday reminded: %w", err)
	}
	return nil
}
