package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	log "github.com/sirupsen/logrus"

	"thrilha/config"
	"thrilha/reminders"
)

// Sender delivers a rendered reminder over one channel.
type Sender interface {
	Name() string
	// Accepts reports whether the recipient can be reached on this channel.
	Accepts(r reminders.Reminder) bool
	Send(ctx context.Context, r reminders.Reminder, m Message) error
}

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// EmailSender sends reminders through SendGrid.
type EmailSender struct {
	key  string
	host string
	from *sgmail.Email
}

func NewEmailSender(key, fromName, fromEmail string) *EmailSender {
	return &EmailSender{key: key, host: sendgridHost, from: sgmail.NewEmail(fromName, fromEmail)}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Accepts(r reminders.Reminder) bool { return r.Email != "" }

func (s *EmailSender) Send(ctx context.Context, r reminders.Reminder, m Message) error {
	to := sgmail.NewEmail(r.DisplayName, r.Email)
	mail := sgmail.NewSingleEmail(s.from, m.Subject, to, m.Text, m.HTML)

	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(mail)
	res, err := sendgrid.MakeRequestWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body)
	}
	return nil
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender messages users who linked a Telegram chat.
type TelegramSender struct {
	bot botAPI
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Accepts(r reminders.Reminder) bool { return r.TelegramChatID != 0 }

func (s *TelegramSender) Send(ctx context.Context, r reminders.Reminder, m Message) error {
	msg := tgbotapi.NewMessage(r.TelegramChatID, m.Subject+"\n\n"+m.Text)
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// ConsoleSender logs reminders instead of delivering them. It is used when no
// delivery channel is configured.
type ConsoleSender struct {
	logger *log.Logger
}

func NewConsoleSender(logger *log.Logger) *ConsoleSender {
	return &ConsoleSender{logger: logger}
}

func (s *ConsoleSender) Name() string { return "console" }

func (s *ConsoleSender) Accepts(r reminders.Reminder) bool { return true }

func (s *ConsoleSender) Send(ctx context.Context, r reminders.Reminder, m Message) error {
	s.logger.WithField("user", r.UserID).WithField("subject", m.Subject).Info(m.Text)
	return nil
}

// NewSenders builds the configured channels, falling back to the console.
func NewSenders(cfg config.Notify, logger *log.Logger) ([]Sender, error) {
	var senders []Sender
	if cfg.SendGridKey != "" {
		senders = append(senders, NewEmailSender(cfg.SendGridKey, cfg.FromName, cfg.FromEmail))
	}
	if cfg.TelegramToken != "" {
		tg, err := NewTelegramSender(cfg.TelegramToken)
		if err != nil {
			return nil, err
		}
		senders = append(senders, tg)
	}
	if len(senders) == 0 {
		logger.Warn("no notification channel configured, reminders will be logged")
		senders = append(senders, NewConsoleSender(logger))
	}
	return senders, nil
}

// ErrUndeliverable is returned when no sender accepts a reminder.
var ErrUndeliverable = errors.New("no delivery channel for recipient")
