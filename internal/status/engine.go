// Package status computes the kiosk's open/closed/maintenance state from its
// operating configuration.
package status

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"snackkiosk/backend/internal/domain"
)

// LookaheadDays bounds the forward search for the next opening.
const LookaheadDays = 14

const (
	ReasonMaintenance     = "maintenance"
	ReasonWithinHours     = "within_operating_hours"
	ReasonOutsideHours    = "outside_operating_hours"
	ReasonNoOperatingHour = "no_operating_hours"
)

const defaultMaintenanceMessage = "The kiosk is temporarily under maintenance."

// Compute evaluates cfg at now. It is total for any sanitized configuration.
func Compute(cfg domain.OperatingConfig, now time.Time) domain.KioskStatus {
	loc := location(cfg)

	result := domain.KioskStatus{
		Timezone:    cfg.Timezone,
		Windows:     cfg.Windows,
		Maintenance: cfg.Maintenance,
		GeneratedAt: now.UTC(),
	}
	if result.Windows == nil {
		result.Windows = []domain.OperatingWindow{}
	}

	if cfg.Maintenance.Enabled {
		result.Status = domain.StatusMaintenance
		result.Reason = ReasonMaintenance
		result.Message = cfg.Maintenance.Message
		if result.Message == "" {
			result.Message = defaultMaintenanceMessage
		}
		return result
	}

	local := now.In(loc)
	if closeAt, ok := activeUntil(cfg.Windows, local); ok {
		result.Status = domain.StatusOpen
		result.Reason = ReasonWithinHours
		result.NextClose = &closeAt
		result.Message = "Open until " + describe(closeAt, local)
		return result
	}

	result.Status = domain.StatusClosed
	if len(cfg.Windows) == 0 {
		result.Reason = ReasonNoOperatingHour
		result.Message = "Closed. No operating hours are configured."
		return result
	}
	result.Reason = ReasonOutsideHours
	if openAt, ok := nextOpening(cfg.Windows, local); ok {
		result.NextOpen = &openAt
		result.Message = "Closed. Opens " + describe(openAt, local)
	} else {
		result.Message = "Closed."
	}
	return result
}

func location(cfg domain.OperatingConfig) *time.Location {
	if cfg.Location != nil {
		return cfg.Location
	}
	if l, err := loadLocation(cfg.Timezone); err == nil {
		return l
	}
	return time.UTC
}

// LastTransition returns the latest moment at or before now at which the
// status computed from cfg may have changed: the configuration being saved,
// maintenance starting, or a window opening or closing. It returns the zero
// time when none is known.
func LastTransition(cfg domain.OperatingConfig, now time.Time) time.Time {
	var latest time.Time
	consider := func(t time.Time) {
		if !t.After(now) && t.After(latest) {
			latest = t
		}
	}
	consider(cfg.UpdatedAt)
	if cfg.Maintenance.Enabled {
		if cfg.Maintenance.Since != nil {
			consider(*cfg.Maintenance.Since)
		}
		return latest
	}

	local := now.In(location(cfg))
	// Schedules repeat weekly, so a window started up to LookaheadDays ago
	// covers every boundary that can still be the latest one.
	for offset := -LookaheadDays - 1; offset <= 0; offset++ {
		weekday := int(at(local, offset, 12*60).Weekday())
		for _, w := range cfg.Windows {
			start, okStart := parseClock(w.Start, false)
			end, okEnd := parseClock(w.End, true)
			if !okStart || !okEnd || !slices.Contains(w.Days, weekday) {
				continue
			}
			consider(at(local, offset, start))
			if start < end {
				consider(at(local, offset, end))
			} else {
				consider(at(local, offset+1, end))
			}
		}
	}
	return latest
}

// activeUntil reports whether local falls inside any window and, if so, the
// latest close boundary among the active windows.
func activeUntil(windows []domain.OperatingWindow, local time.Time) (time.Time, bool) {
	minute := local.Hour()*60 + local.Minute()
	today := int(local.Weekday())
	yesterday := (today + 6) % 7

	var best time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.After(best) {
			best = t
			found = true
		}
	}

	for _, w := range windows {
		start, okStart := parseClock(w.Start, false)
		end, okEnd := parseClock(w.End, true)
		if !okStart || !okEnd {
			continue
		}
		if start < end {
			if slices.Contains(w.Days, today) && minute >= start && minute < end {
				consider(at(local, 0, end))
			}
			continue
		}
		// Wrapping window: the evening part belongs to today, the early
		// morning tail to the window that started yesterday.
		if slices.Contains(w.Days, today) && minute >= start {
			consider(at(local, 1, end))
		}
		if slices.Contains(w.Days, yesterday) && minute < end {
			consider(at(local, 0, end))
		}
	}
	return best, found
}

func nextOpening(windows []domain.OperatingWindow, local time.Time) (time.Time, bool) {
	for offset := 0; offset <= LookaheadDays; offset++ {
		weekday := int(at(local, offset, 12*60).Weekday())
		var best time.Time
		found := false
		for _, w := range windows {
			start, ok := parseClock(w.Start, false)
			if !ok || !slices.Contains(w.Days, weekday) {
				continue
			}
			candidate := at(local, offset, start)
			if !candidate.After(local) {
				continue
			}
			if !found || candidate.Before(best) {
				best = candidate
				found = true
			}
		}
		if found {
			return best, true
		}
	}
	return time.Time{}, false
}

// at returns the wall-clock time minutes after midnight, dayOffset days after local's date.
func at(local time.Time, dayOffset int, minutes int) time.Time {
	y, m, d := local.Date()
	return time.Date(y, m, d+dayOffset, minutes/60, minutes%60, 0, 0, local.Location())
}

func describe(t time.Time, local time.Time) string {
	ty, tm, td := t.Date()
	ly, lm, ld := local.Date()
	if ty == ly && tm == lm && td == ld {
		return t.Format("15:04")
	}
	return t.Format("Mon 15:04")
}

// HasChanged reports whether a and b differ in anything a client should be told about.
// GeneratedAt is ignored.
func HasChanged(a, b domain.KioskStatus) bool {
	return Fingerprint(a) != Fingerprint(b)
}

// Fingerprint is a stable digest of the broadcast-relevant fields of s.
func Fingerprint(s domain.KioskStatus) string {
	h := xxhash.New()
	writeString := func(v string) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(v)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(v)
	}
	writeTime := func(t *time.Time) {
		if t == nil {
			writeString("-")
			return
		}
		writeString(strconv.FormatInt(t.UnixNano(), 10))
	}

	writeString(s.Status)
	writeString(s.Reason)
	writeString(s.Message)
	writeTime(s.NextOpen)
	writeTime(s.NextClose)
	writeString(strconv.FormatBool(s.Maintenance.Enabled))
	writeString(s.Maintenance.Message)
	writeTime(s.Maintenance.Since)
	return fmt.Sprintf("%016x", h.Sum64())
}
