package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/volatiletech/null/v8"

	"thrilha/domain"
)

type profileRow struct {
	ID             string      `db:"id"`
	Email          string      `db:"email"`
	DisplayName    string      `db:"display_name"`
	AvatarURL      null.String `db:"avatar_url"`
	TelegramChatID null.Int64  `db:"telegram_chat_id"`
	CreatedAt      int64       `db:"created_at"`
	UpdatedAt      int64       `db:"updated_at"`
}

func (r profileRow) toDomain() domain.Profile {
	return domain.Profile{
		ID:             r.ID,
		Email:          r.Email,
		DisplayName:    r.DisplayName,
		AvatarURL:      r.AvatarURL,
		TelegramChatID: r.TelegramChatID,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
}

const profileColumns = "id, email, display_name, avatar_url, telegram_chat_id, created_at, updated_at"

func (s *Store) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+profileColumns+" FROM profiles WHERE id = ?"), id)
	if isNoRows(err) {
		return domain.Profile{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return row.toDomain(), nil
}

// GetProfileByEmail matches the normalized address, which is unique.
func (s *Store) GetProfileByEmail(ctx context.Context, email string) (domain.Profile, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return domain.Profile{}, domain.ErrNotFound
	}
	var row profileRow
	err := s.db.GetContext(ctx, &row, s.q("SELECT "+profileColumns+" FROM profiles WHERE email = ?"), email)
	if isNoRows(err) {
		return domain.Profile{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("get profile by email: %w", err)
	}
	return row.toDomain(), nil
}

// GetProfiles returns the profiles that exist among ids.
func (s *Store) GetProfiles(ctx context.Context, ids []string) (map[string]domain.Profile, error) {
	out := make(map[string]domain.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT "+profileColumns+" FROM profiles WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("get profiles: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.toDomain()
	}
	return out, nil
}

// UpsertProfile inserts p or overwrites its mutable fields.
func (s *Store) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	now := s.nowUTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.Email = domain.NormalizeEmail(p.Email)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO profiles (`+profileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			telegram_chat_id = excluded.telegram_chat_id,
			updated_at = excluded.updated_at`),
		p.ID, p.Email, p.DisplayName, p.AvatarURL, p.TelegramChatID, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if isUniqueViolation(err) {
		return domain.ErrEmailInUse
	}
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// EnsureProfile creates a profile from token claims unless one exists, and
// returns the stored profile. A non-empty token email replaces the stored
// one; ErrEmailInUse is returned when another profile already holds it.
func (s *Store) EnsureProfile(ctx context.Context, id, email string) (domain.Profile, error) {
	email = domain.NormalizeEmail(email)
	var row profileRow
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := toMillis(s.nowUTC())
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO profiles (id, email, display_name, created_at, updated_at)
			VALUES (?, ?, '', ?, ?) ON CONFLICT (id) DO NOTHING`), id, email, now, now); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &row, tx.Rebind("SELECT "+profileColumns+" FROM profiles WHERE id = ?"), id); err != nil {
			return err
		}
		if email == "" || row.Email == email {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE profiles SET email = ?, updated_at = ? WHERE id = ?"), email, now, id); err != nil {
			return err
		}
		row.Email, row.UpdatedAt = email, now
		return nil
	})
	if isUniqueViolation(err) {
		return domain.Profile{}, domain.ErrEmailInUse
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("ensure profile: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetAvatar(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx, s.q("UPDATE profiles SET avatar_url = ?, updated_at = ? WHERE id = ?"),
		url, toMillis(s.nowUTC()), id)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
