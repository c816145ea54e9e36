package status

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
	"snackkiosk/backend/internal/logging"
)

// FallbackTimezone is used when neither the stored nor the configured default timezone loads.
const FallbackTimezone = "UTC"

// DefaultWindow replaces a window list whose entries were all malformed.
var DefaultWindow = domain.OperatingWindow{Start: "08:00", End: "18:00", Days: []int{1, 2, 3, 4, 5}}

// DefaultRawConfig is the configuration used before an admin has saved one.
func DefaultRawConfig(timezone string) domain.RawOperatingConfig {
	days := make([]any, 0, len(DefaultWindow.Days))
	for _, d := range DefaultWindow.Days {
		days = append(days, d)
	}
	return domain.RawOperatingConfig{
		Timezone: timezone,
		Windows:  []domain.RawOperatingWindow{{Start: DefaultWindow.Start, End: DefaultWindow.End, Days: days}},
	}
}

// Sanitize validates a stored configuration. It never fails: an unknown
// timezone falls back to defaultTZ (then UTC) and malformed windows are
// dropped, with DefaultWindow substituted when none survive.
func Sanitize(raw domain.RawOperatingConfig, defaultTZ string) domain.OperatingConfig {
	cfg := domain.OperatingConfig{
		Maintenance: raw.Maintenance,
		UpdatedAt:   raw.UpdatedAt,
	}
	cfg.Maintenance.Message = strings.TrimSpace(cfg.Maintenance.Message)

	tz := strings.TrimSpace(raw.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(defaultTZ)
	}
	loc, err := loadLocation(tz)
	if err != nil {
		cfg.Issues = append(cfg.Issues, fmt.Sprintf("timezone %q: %v", tz, err))
		tz = strings.TrimSpace(defaultTZ)
		if loc, err = loadLocation(tz); err != nil {
			tz = FallbackTimezone
			loc = time.UTC
		}
	}
	cfg.Timezone = tz
	cfg.Location = loc

	for i, rw := range raw.Windows {
		w, problem := sanitizeWindow(rw)
		if problem != "" {
			cfg.Issues = append(cfg.Issues, fmt.Sprintf("window %d: %s", i, problem))
			continue
		}
		cfg.Windows = append(cfg.Windows, w)
	}
	if len(raw.Windows) > 0 && len(cfg.Windows) == 0 {
		cfg.Windows = []domain.OperatingWindow{{
			Start: DefaultWindow.Start,
			End:   DefaultWindow.End,
			Days:  slices.Clone(DefaultWindow.Days),
		}}
		cfg.Issues = append(cfg.Issues, "no valid windows, using default window")
	}
	cfg.Sanitized = len(cfg.Issues) > 0
	return cfg
}

var reported sync.Map

// Load sanitizes raw and logs the problems found, once per distinct configuration.
func Load(raw domain.RawOperatingConfig, defaultTZ string) domain.OperatingConfig {
	cfg := Sanitize(raw, defaultTZ)
	if !cfg.Sanitized {
		return cfg
	}
	key := raw.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + strings.Join(cfg.Issues, "|")
	if _, seen := reported.LoadOrStore(key, struct{}{}); !seen {
		logging.Warn().
			Strs("issues", cfg.Issues).
			Str("timezone", cfg.Timezone).
			Int("windows", len(cfg.Windows)).
			Msg("operating config sanitized")
	}
	return cfg
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("empty timezone")
	}
	return time.LoadLocation(name)
}

func sanitizeWindow(rw domain.RawOperatingWindow) (domain.OperatingWindow, string) {
	start, ok := parseClock(rw.Start, false)
	if !ok {
		return domain.OperatingWindow{}, fmt.Sprintf("invalid start %q", rw.Start)
	}
	end, ok := parseClock(rw.End, true)
	if !ok {
		return domain.OperatingWindow{}, fmt.Sprintf("invalid end %q", rw.End)
	}
	if len(rw.Days) == 0 {
		return domain.OperatingWindow{}, "no weekdays"
	}
	days := make([]int, 0, len(rw.Days))
	for _, v := range rw.Days {
		d, ok := parseWeekday(v)
		if !ok {
			return domain.OperatingWindow{}, fmt.Sprintf("invalid weekday %v", v)
		}
		if !slices.Contains(days, d) {
			days = append(days, d)
		}
	}
	slices.Sort(days)
	return domain.OperatingWindow{Start: formatClock(start), End: formatClock(end), Days: days}, ""
}

// parseClock parses HH:MM into minutes after midnight. "24:00" is accepted
// only as an end boundary.
func parseClock(raw string, allowEndOfDay bool) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found || len(mm) != 2 || len(hh) == 0 || len(hh) > 2 {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, false
	}
	if allowEndOfDay && h == 24 && m == 0 {
		return 24 * 60, true
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

func parseWeekday(v any) (int, bool) {
	var n float64
	switch t := v.(type) {
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case float64:
		n = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if n != math.Trunc(n) || n < 0 || n > 6 {
		return 0, false
	}
	return int(n), true
}
