package utils

import (
	"time"

	"propreach/config"
)

// SendWindow snaps candidate send times into a business-hours window.
// All day/hour decisions are made on wall-clock time in Timezone; the
// returned instants are absolute, so the math stays correct across DST
// boundaries.
type SendWindow struct {
	Timezone     string
	StartHour    int
	EndHour      int
	SkipWeekends bool
}

// WindowFromConfig builds a SendWindow from the loaded app configuration.
func WindowFromConfig(cfg config.SendWindowConfig) SendWindow {
	return SendWindow{
		Timezone:     cfg.Timezone,
		StartHour:    cfg.StartHour,
		EndHour:      cfg.EndHour,
		SkipWeekends: cfg.SkipWeekends,
	}
}

func (w SendWindow) location() *time.Location {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AdjustToWorkingHours returns the nearest instant >= t that falls inside
// the window. An instant already inside the window is returned unchanged,
// minutes and seconds intact. Never returns an instant earlier than t.
func (w SendWindow) AdjustToWorkingHours(t time.Time) time.Time {
	loc := w.location()
	local := t.In(loc)

	if w.SkipWeekends && isWeekend(local.Weekday()) {
		return w.nextWorkdayStart(local)
	}
	if local.Hour() < w.StartHour {
		return time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, loc)
	}
	if local.Hour() >= w.EndHour {
		return w.nextWorkdayStart(local.AddDate(0, 0, 1))
	}
	return t
}

// StartTime computes the first valid send instant for a brand-new series.
func (w SendWindow) StartTime(now time.Time) time.Time {
	return w.AdjustToWorkingHours(now)
}

// NextSendTime computes a follow-up's due time: the previous send plus the
// edge delay, snapped into the window.
func (w SendWindow) NextSendTime(sentAt time.Time, delay time.Duration) time.Time {
	return w.AdjustToWorkingHours(sentAt.Add(delay))
}

// nextWorkdayStart returns StartHour on the first eligible day at or after
// local. Building the result with time.Date in the window's location picks
// up whatever UTC offset is in effect on that future date.
func (w SendWindow) nextWorkdayStart(local time.Time) time.Time {
	day := local
	for w.SkipWeekends && isWeekend(day.Weekday()) {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, 0, 0, 0, w.location())
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}
