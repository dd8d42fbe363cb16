// Package notify delivers reminders published by the scheduler over e-mail
// and Telegram.
package notify

import (
	"bytes"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"thrilha/reminders"
)

// Message is a rendered reminder.
type Message struct {
	Subject string
	Text    string
	HTML    string
}

type view struct {
	reminders.Reminder
	Greeting string
	When     string
	Link     string
}

var funcs = map[string]any{
	"plural": func(n int, one, many string) string {
		if n == 1 {
			return one
		}
		return many
	},
}

const textBody = `{{.Greeting}}
{{if eq .Kind "task_due"}}
"{{.Title}}" on {{.BoardName}} is due {{.When}}.
{{else}}
{{.Name}}'s birthday is {{if eq .DaysBefore 0}}today{{else}}in {{.DaysBefore}} {{plural .DaysBefore "day" "days"}}{{end}} ({{.When}}){{if .Age.Valid}}, turning {{.Age.Int}}{{end}}.
{{end}}
{{.Link}}
`

const htmlBody = `<p>{{.Greeting}}</p>
{{if eq .Kind "task_due"}}<p><strong>{{.Title}}</strong> on {{.BoardName}} is due {{.When}}.</p>
{{else}}<p><strong>{{.Name}}</strong>'s birthday is {{if eq .DaysBefore 0}}today{{else}}in {{.DaysBefore}} {{plural .DaysBefore "day" "days"}}{{end}} ({{.When}}){{if .Age.Valid}}, turning {{.Age.Int}}{{end}}.</p>
{{end}}<p><a href="{{.Link}}">Open Thrilha</a></p>
`

var (
	textTmpl = texttemplate.Must(texttemplate.New("text").Funcs(funcs).Parse(textBody))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Funcs(funcs).Parse(htmlBody))
)

// Render produces the subject and bodies for r. appURL is used for links back
// into the web app.
func Render(r reminders.Reminder, appURL string) (Message, error) {
	v := view{Reminder: r, Greeting: "Hi there,"}
	if r.DisplayName != "" {
		v.Greeting = "Hi " + r.DisplayName + ","
	}
	appURL = strings.TrimRight(appURL, "/")
	var subject string
	switch r.Kind {
	case reminders.KindTaskDue:
		subject = "Reminder: " + r.Title
		if r.DueAt.Valid {
			v.When = r.DueAt.Time.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
		}
		v.Link = appURL + "/boards/" + r.BoardID + "?task=" + r.TaskID
	default:
		subject = r.Name + "'s birthday"
		if r.Date.Valid {
			v.When = r.Date.Time.Format("Monday, 2 January")
		}
		v.Link = appURL + "/calendar"
	}

	var text, html bytes.Buffer
	if err := textTmpl.Execute(&text, v); err != nil {
		return Message{}, err
	}
	if err := htmlTmpl.Execute(&html, v); err != nil {
		return Message{}, err
	}
	return Message{Subject: subject, Text: text.String(), HTML: html.String()}, nil
}
