package service

import (
	"context"
	"sort"
	"time"

	"thrilha/domain"
)

// MaxCalendarRange bounds calendar queries.
const MaxCalendarRange = 366 * 24 * time.Hour

// Calendar is everything happening in a date range.
type Calendar struct {
	From      time.Time                   `json:"from"`
	To        time.Time                   `json:"to"`
	Tasks     []domain.Task               `json:"tasks"`
	Birthdays []domain.BirthdayOccurrence `json:"birthdays"`
}

// Calendar returns tasks due in [from, to) on any readable board or shared
// task, together with the caller's birthday occurrences in the range.
func (s *Service) Calendar(ctx context.Context, userID string, from, to time.Time) (Calendar, error) {
	if !to.After(from) {
		return Calendar{}, domain.Invalid("to", "must be after from")
	}
	if to.Sub(from) > MaxCalendarRange {
		return Calendar{}, domain.Invalid("to", "range must not exceed 366 days")
	}
	tasks, err := s.store.CalendarTasks(ctx, userID, from, to)
	if err != nil {
		return Calendar{}, err
	}
	bdays, err := s.store.ListBirthdays(ctx, userID)
	if err != nil {
		return Calendar{}, err
	}
	occ := []domain.BirthdayOccurrence{}
	for _, b := range bdays {
		occ = append(occ, domain.Occurrences(b, from, to)...)
	}
	sort.SliceStable(occ, func(i, j int) bool { return occ[i].Date.Before(occ[j].Date) })
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return Calendar{From: from, To: to, Tasks: tasks, Birthdays: occ}, nil
}
