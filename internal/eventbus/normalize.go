package eventbus

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
)

var ErrMissingProductID = errors.New("inventory update without product id")

var stockStatuses = map[string]bool{
	domain.StockInStock:     true,
	domain.StockLow:         true,
	domain.StockOut:         true,
	domain.StockUnavailable: true,
	domain.StockUntracked:   true,
}

// NormalizeInventoryUpdate coerces a loosely typed inventory payload, as
// produced locally or decoded from another instance, into its wire form.
func NormalizeInventoryUpdate(raw map[string]any) (domain.InventoryUpdate, error) {
	id := productID(raw)
	if id == "" {
		return domain.InventoryUpdate{}, ErrMissingProductID
	}

	out := domain.InventoryUpdate{
		ProductID:         id,
		StockQuantity:     toInt(raw["stockQuantity"]),
		LowStockThreshold: toInt(raw["lowStockThreshold"]),
		IsLowStock:        truthy(raw["isLowStock"]),
		IsOutOfStock:      truthy(raw["isOutOfStock"]),
		IsNegativeStock:   truthy(raw["isNegativeStock"]),
		StockStatus:       stockStatus(raw["stockStatus"]),
		TrackingEnabled:   true,
		UpdatedAt:         toTime(raw["updatedAt"]),
	}
	if out.LowStockThreshold != nil && *out.LowStockThreshold < 0 {
		out.LowStockThreshold = nil
	}
	if out.StockQuantity != nil && *out.StockQuantity < 0 {
		out.IsNegativeStock = true
	}
	if v, ok := raw["trackingEnabled"]; ok && v != nil {
		out.TrackingEnabled = truthy(v)
	}
	if available, ok := raw["available"].(bool); ok {
		out.Available = available
	} else {
		out.Available = !out.IsOutOfStock
	}
	return out, nil
}

func productID(raw map[string]any) string {
	for _, key := range []string{"productId", "product_id", "id"} {
		switch v := raw[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				return strconv.FormatFloat(v, 'f', -1, 64)
			}
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		}
	}
	return ""
}

// toInt returns nil for anything that is not a finite number or a numeric string.
func toInt(v any) *int {
	var f float64
	switch t := v.(type) {
	case int:
		return &t
	case int64:
		n := int(t)
		return &n
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	n := int(math.Round(f))
	return &n
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "n", "off", "null", "undefined":
			return false
		}
		return true
	default:
		return true
	}
}

func stockStatus(v any) string {
	s, ok := v.(string)
	if !ok {
		return domain.StockUnavailable
	}
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	if !stockStatuses[s] {
		return domain.StockUnavailable
	}
	return s
}

func toTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		u := t.UTC()
		return &u
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return nil
		}
		u := parsed.UTC()
		return &u
	}
	return nil
}

// decodePayload turns any JSON-encodable value into the map form NormalizeInventoryUpdate expects.
func decodePayload(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode inventory payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode inventory payload: %w", err)
	}
	return m, nil
}
