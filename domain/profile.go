package domain

import (
	"time"

	"github.com/volatiletech/null/v8"
)

type Profile struct {
	ID             string      `json:"id"`
	Email          string      `json:"email"`
	DisplayName    string      `json:"displayName"`
	AvatarURL      null.String `json:"avatarUrl"`
	TelegramChatID null.Int64  `json:"telegramChatId"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// ProfileUpdate holds the fields a user may edit. The email always comes
// from the identity token.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName" validate:"omitnil,max=120"`
	// TelegramChatID of zero unlinks Telegram.
	TelegramChatID *int64 `json:"telegramChatId"`
}

func (u ProfileUpdate) Apply(p *Profile) {
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.TelegramChatID != nil {
		if *u.TelegramChatID == 0 {
			p.TelegramChatID = null.Int64{}
		} else {
			p.TelegramChatID = null.Int64From(*u.TelegramChatID)
		}
	}
}

type Attachment struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	BlobName    string    `json:"-"`
	URL         string    `json:"url"`
	UploadedBy  string    `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
}
