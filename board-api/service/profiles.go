package service

import (
	"context"
	"strings"

	"thrilha/auth"
	"thrilha/blobstore"
	"thrilha/domain"
)

// Profile returns the caller's profile, creating it from token claims on
// first use.
func (s *Service) Profile(ctx context.Context, id auth.Identity) (domain.Profile, error) {
	return s.store.EnsureProfile(ctx, id.UserID, id.Email)
}

func (s *Service) UpdateProfile(ctx context.Context, id auth.Identity, upd domain.ProfileUpdate) (domain.Profile, error) {
	if err := domain.Validate(upd); err != nil {
		return domain.Profile{}, err
	}
	p, err := s.Profile(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	upd.Apply(&p)
	if err := s.store.UpsertProfile(ctx, &p); err != nil {
		return domain.Profile{}, err
	}
	s.publish(ctx, domain.TableProfiles, domain.ChangeUpdate, p.ID, "", p.ID, p, nil, []string{p.ID})
	return p, nil
}

// SetAvatar stores an image upload, points the profile at it and removes the
// previous avatar blob.
func (s *Service) SetAvatar(ctx context.Context, id auth.Identity, filename, contentType string, data []byte) (domain.Profile, error) {
	if len(data) > blobstore.MaxUploadSize {
		return domain.Profile{}, domain.Invalid("file", blobstore.ErrTooLarge.Error())
	}
	contentType = blobstore.DetectContentType(contentType, data)
	if !blobstore.IsImage(contentType) {
		return domain.Profile{}, domain.Invalid("file", "avatar must be a PNG, JPEG, GIF, WebP or BMP image")
	}
	old, err := s.Profile(ctx, id)
	if err != nil {
		return domain.Profile{}, err
	}
	name := blobstore.AvatarName(id.UserID, filename)
	url, err := s.blobs.Upload(ctx, name, contentType, data)
	if err != nil {
		return domain.Profile{}, err
	}
	if err := s.store.SetAvatar(ctx, id.UserID, url); err != nil {
		s.deleteBlobs(ctx, []string{name})
		return domain.Profile{}, err
	}
	if prev, ok := s.avatarBlob(id.UserID, old.AvatarURL.String); ok && prev != name {
		s.deleteBlobs(ctx, []string{prev})
	}
	p, err := s.store.GetProfile(ctx, id.UserID)
	if err != nil {
		return domain.Profile{}, err
	}
	s.publish(ctx, domain.TableProfiles, domain.ChangeUpdate, p.ID, "", p.ID, p, nil, []string{p.ID})
	return p, nil
}

// avatarBlob resolves a stored avatar URL to a blob under the user's avatar
// prefix. URLs pointing anywhere else are never deleted.
func (s *Service) avatarBlob(userID, avatarURL string) (string, bool) {
	if avatarURL == "" {
		return "", false
	}
	name, ok := s.blobs.BlobName(avatarURL)
	if !ok || !strings.HasPrefix(name, "avatars/"+userID+"/") {
		return "", false
	}
	return name, true
}
