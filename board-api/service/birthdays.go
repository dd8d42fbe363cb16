package service

import (
	"context"

	"thrilha/domain"
)

func (s *Service) ListBirthdays(ctx context.Context, userID string) ([]domain.Birthday, error) {
	return s.store.ListBirthdays(ctx, userID)
}

func (s *Service) CreateBirthday(ctx context.Context, userID string, in domain.NewBirthday) (domain.Birthday, error) {
	if err := domain.Validate(in); err != nil {
		return domain.Birthday{}, err
	}
	b := in.Build(s.newID(), userID, s.now())
	if err := s.store.CreateBirthday(ctx, &b); err != nil {
		return domain.Birthday{}, err
	}
	s.publish(ctx, domain.TableBirthdays, domain.ChangeInsert, b.ID, "", userID, b, nil, []string{userID})
	return b, nil
}

// ownBirthday hides other users' birthdays behind ErrNotFound.
func (s *Service) ownBirthday(ctx context.Context, userID, id string) (domain.Birthday, error) {
	b, err := s.store.GetBirthday(ctx, id)
	if err != nil {
		return domain.Birthday{}, err
	}
	if b.OwnerID != userID {
		return domain.Birthday{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *Service) UpdateBirthday(ctx context.Context, userID, id string, patch domain.BirthdayPatch) (domain.Birthday, error) {
	if err := domain.Validate(patch); err != nil {
		return domain.Birthday{}, err
	}
	b, err := s.ownBirthday(ctx, userID, id)
	if err != nil {
		return domain.Birthday{}, err
	}
	old := b
	if err := patch.Apply(&b); err != nil {
		return domain.Birthday{}, err
	}
	if err := s.store.UpdateBirthday(ctx, &b); err != nil {
		return domain.Birthday{}, err
	}
	s.publish(ctx, domain.TableBirthdays, domain.ChangeUpdate, b.ID, "", userID, b, old, []string{userID})
	return b, nil
}

func (s *Service) DeleteBirthday(ctx context.Context, userID, id string) error {
	b, err := s.ownBirthday(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBirthday(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, domain.TableBirthdays, domain.ChangeDelete, id, "", userID, nil, b, []string{userID})
	return nil
}
