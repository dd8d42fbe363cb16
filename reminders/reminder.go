// Package reminders scans for due tasks and upcoming birthdays and publishes
// one reminder per recipient to Kafka.
package reminders

import (
	"time"

	"github.com/volatiletech/null/v8"
)

type Kind string

const (
	KindTaskDue  Kind = "task_due"
	KindBirthday Kind = "birthday"
)

// Reminder is the message published on the reminders topic. It carries the
// recipient's contact details so the notifier needs no database access.
type Reminder struct {
	Kind           Kind      `json:"kind"`
	UserID         string    `json:"userId"`
	Email          string    `json:"email,omitempty"`
	DisplayName    string    `json:"displayName,omitempty"`
	TelegramChatID int64     `json:"telegramChatId,omitempty"`
	TaskID         string    `json:"taskId,omitempty"`
	BoardID        string    `json:"boardId,omitempty"`
	BoardName      string    `json:"boardName,omitempty"`
	Title          string    `json:"title,omitempty"`
	DueAt          null.Time `json:"dueAt"`
	BirthdayID     string    `json:"birthdayId,omitempty"`
	Name           string    `json:"name,omitempty"`
	Date           null.Time `json:"date"`
	Age            null.Int  `json:"age"`
	DaysBefore     int       `json:"daysBefore,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}
