package status

import (
	"testing"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
)

func TestSanitizeFallsBackOnBadTimezone(t *testing.T) {
	cfg := Sanitize(domain.RawOperatingConfig{Timezone: "Not/AZone"}, "UTC")
	if cfg.Timezone != "UTC" || cfg.Location == nil {
		t.Fatalf("expected UTC fallback, got %q", cfg.Timezone)
	}
	if !cfg.Sanitized {
		t.Fatalf("expected sanitized flag")
	}

	cfg = Sanitize(domain.RawOperatingConfig{Timezone: "Not/AZone"}, "Also/Bad")
	if cfg.Timezone != FallbackTimezone {
		t.Fatalf("expected %s when default is also bad, got %q", FallbackTimezone, cfg.Timezone)
	}
}

func TestSanitizeDropsMalformedWindows(t *testing.T) {
	cfg := Sanitize(domain.RawOperatingConfig{
		Windows: []domain.RawOperatingWindow{
			{Start: "08:00", End: "12:00", Days: []any{"1", 2.0, 2}},
			{Start: "8", End: "12:00", Days: []any{1}},
			{Start: "13:00", End: "17:60", Days: []any{1}},
			{Start: "13:00", End: "17:00", Days: []any{"monday"}},
			{Start: "13:00", End: "17:00", Days: []any{7}},
		},
	}, "UTC")

	if len(cfg.Windows) != 1 {
		t.Fatalf("expected 1 surviving window, got %d (%v)", len(cfg.Windows), cfg.Issues)
	}
	if got := cfg.Windows[0].Days; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected deduplicated days [1 2], got %v", got)
	}
	if len(cfg.Issues) != 4 {
		t.Fatalf("expected 4 issues, got %v", cfg.Issues)
	}
}

func TestSanitizeReplacesAllInvalidWithDefault(t *testing.T) {
	cfg := Sanitize(domain.RawOperatingConfig{
		Windows: []domain.RawOperatingWindow{{Start: "99:00", End: "12:00", Days: []any{1}}},
	}, "UTC")
	if len(cfg.Windows) != 1 || cfg.Windows[0].Start != DefaultWindow.Start || cfg.Windows[0].End != DefaultWindow.End {
		t.Fatalf("expected default window, got %+v", cfg.Windows)
	}
}

func TestSanitizeAcceptsDecodedJSON(t *testing.T) {
	var raw domain.RawOperatingConfig
	body := `{"timezone":"UTC","windows":[{"start":"22:00","end":"02:00","days":[1,"2",3]}]}`
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	cfg := Sanitize(raw, "UTC")
	if cfg.Sanitized || len(cfg.Windows) != 1 || len(cfg.Windows[0].Days) != 3 {
		t.Fatalf("expected clean config, got %+v", cfg)
	}
}

func TestLoadIsTotalForGarbage(t *testing.T) {
	cfg := Load(domain.RawOperatingConfig{
		Timezone: "???",
		Windows:  []domain.RawOperatingWindow{{Start: "", End: "", Days: []any{nil, map[string]any{}}}},
	}, "UTC")
	if cfg.Location == nil || len(cfg.Windows) != 1 {
		t.Fatalf("expected usable default config, got %+v", cfg)
	}
	// Second load of the same config must not panic and returns the same result.
	again := Load(domain.RawOperatingConfig{
		Timezone: "???",
		Windows:  []domain.RawOperatingWindow{{Start: "", End: "", Days: []any{nil, map[string]any{}}}},
	}, "UTC")
	if again.Timezone != cfg.Timezone {
		t.Fatalf("expected stable result")
	}
}
