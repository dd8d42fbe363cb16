package domain

import (
	"strings"
	"time"

	"github.com/volatiletech/null/v8"
)

type Birthday struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	Name             string    `json:"name"`
	Month            int       `json:"month"`
	Day              int       `json:"day"`
	Year             null.Int  `json:"year"`
	Notes            string    `json:"notes"`
	RemindDaysBefore int       `json:"remindDaysBefore"`
	LastRemindedYear null.Int  `json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type NewBirthday struct {
	Name             string   `json:"name" validate:"required,max=120"`
	Month            int      `json:"month" validate:"required,min=1,max=12"`
	Day              int      `json:"day" validate:"required,min=1,max=31"`
	Year             null.Int `json:"year"`
	Notes            string   `json:"notes" validate:"max=1000"`
	RemindDaysBefore int      `json:"remindDaysBefore" validate:"min=0,max=30"`
}

func (n NewBirthday) Build(id, ownerID string, now time.Time) Birthday {
	return Birthday{
		ID:               id,
		OwnerID:          ownerID,
		Name:             strings.TrimSpace(n.Name),
		Month:            n.Month,
		Day:              n.Day,
		Year:             n.Year,
		Notes:            n.Notes,
		RemindDaysBefore: n.RemindDaysBefore,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

type BirthdayPatch struct {
	Name             *string  `json:"name" validate:"omitnil,min=1,max=120"`
	Month            *int     `json:"month" validate:"omitnil,min=1,max=12"`
	Day              *int     `json:"day" validate:"omitnil,min=1,max=31"`
	Year             null.Int `json:"year"`
	ClearYear        bool     `json:"clearYear"`
	Notes            *string  `json:"notes" validate:"omitnil,max=1000"`
	RemindDaysBefore *int     `json:"remindDaysBefore" validate:"omitnil,min=0,max=30"`
}

// Apply copies the set fields of p onto b and checks the resulting date.
// Moving the date re-arms this year's reminder.
func (p BirthdayPatch) Apply(b *Birthday) error {
	month, day := b.Month, b.Day
	if p.Name != nil {
		b.Name = strings.TrimSpace(*p.Name)
	}
	if p.Month != nil {
		b.Month = *p.Month
	}
	if p.Day != nil {
		b.Day = *p.Day
	}
	if !ValidMonthDay(b.Month, b.Day) {
		return Invalid("day", "is not a valid day for the month")
	}
	switch {
	case p.ClearYear:
		b.Year = null.Int{}
	case p.Year.Valid:
		if p.Year.Int < 1900 || p.Year.Int > time.Now().Year() {
			return Invalid("year", "is out of range")
		}
		b.Year = p.Year
	}
	if p.Notes != nil {
		b.Notes = *p.Notes
	}
	if p.RemindDaysBefore != nil {
		b.RemindDaysBefore = *p.RemindDaysBefore
	}
	if month != b.Month || day != b.Day {
		b.LastRemindedYear = null.Int{}
	}
	return nil
}

var daysInMonth = [...]int{31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// ValidMonthDay accepts Feb 29.
func ValidMonthDay(month, day int) bool {
	if month < 1 || month > 12 || day < 1 {
		return false
	}
	return day <= daysInMonth[month-1]
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// OccurrenceIn returns the date the birthday is celebrated in year.
// Feb 29 falls on Feb 28 in non-leap years.
func (b Birthday) OccurrenceIn(year int, loc *time.Location) time.Time {
	month, day := b.Month, b.Day
	if month == 2 && day == 29 && !isLeap(year) {
		day = 28
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
}

// OccursOn reports whether the birthday is celebrated on the given date.
func (b Birthday) OccursOn(date time.Time) bool {
	occ := b.OccurrenceIn(date.Year(), date.Location())
	return occ.Month() == date.Month() && occ.Day() == date.Day()
}

// NextBirthday returns the first occurrence on or after from's calendar day.
func NextBirthday(b Birthday, from time.Time) time.Time {
	today := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())
	occ := b.OccurrenceIn(today.Year(), today.Location())
	if occ.Before(today) {
		occ = b.OccurrenceIn(today.Year()+1, today.Location())
	}
	return occ
}

// AgeOn is the age turned on the occurrence in date's year, if the birth year is known.
func (b Birthday) AgeOn(date time.Time) null.Int {
	if !b.Year.Valid {
		return null.Int{}
	}
	return null.IntFrom(date.Year() - b.Year.Int)
}

// BirthdayOccurrence is a birthday placed on a concrete calendar day.
type BirthdayOccurrence struct {
	Birthday Birthday  `json:"birthday"`
	Date     time.Time `json:"date"`
	Age      null.Int  `json:"age"`
}

// Occurrences lists celebrations of b within [from, to).
func Occurrences(b Birthday, from, to time.Time) []BirthdayOccurrence {
	var out []BirthdayOccurrence
	for year := from.Year(); year <= to.Year(); year++ {
		occ := b.OccurrenceIn(year, from.Location())
		if occ.Before(time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, from.Location())) || !occ.Before(to) {
			continue
		}
		out = append(out, BirthdayOccurrence{Birthday: b, Date: occ, Age: b.AgeOn(occ)})
	}
	return out
}
