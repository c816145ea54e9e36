package eventbus

import (
	"errors"
	"strings"
	"testing"

	json "github.com/goccy/go-json"

	"snackkiosk/backend/internal/domain"
)

func TestNormalizeCoercesLooseValues(t *testing.T) {
	got, err := NormalizeInventoryUpdate(map[string]any{
		"productId":     "chips",
		"stockQuantity": "5",
		"isLowStock":    "yes",
		"isOutOfStock":  1,
		"stockStatus":   " ",
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.StockQuantity == nil || *got.StockQuantity != 5 {
		t.Fatalf("expected stockQuantity 5, got %v", got.StockQuantity)
	}
	if !got.IsLowStock || !got.IsOutOfStock {
		t.Fatalf("expected both flags true, got %+v", got)
	}
	if got.StockStatus != domain.StockUnavailable {
		t.Fatalf("expected unavailable, got %q", got.StockStatus)
	}
	if got.Available {
		t.Fatalf("expected available derived as false")
	}
}

func TestNormalizeInvalidNumbersBecomeNull(t *testing.T) {
	got, err := NormalizeInventoryUpdate(map[string]any{
		"product_id":        42.0,
		"stockQuantity":     "lots",
		"lowStockThreshold": "-3",
		"isLowStock":        "false",
		"isOutOfStock":      "0",
		"stockStatus":       "In Stock",
		"available":         false,
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got.ProductID != "42" {
		t.Fatalf("expected numeric id coerced to \"42\", got %q", got.ProductID)
	}
	if got.StockQuantity != nil || got.LowStockThreshold != nil {
		t.Fatalf("expected null quantity and threshold, got %v %v", got.StockQuantity, got.LowStockThreshold)
	}
	if got.IsLowStock || got.IsOutOfStock {
		t.Fatalf("expected falsey strings to be false")
	}
	if got.StockStatus != domain.StockInStock {
		t.Fatalf("expected in_stock, got %q", got.StockStatus)
	}
	if got.Available {
		t.Fatalf("expected explicit available=false to win")
	}
}

func TestNormalizeNegativeStockAndJSONNumbers(t *testing.T) {
	var raw map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"productId":"cola","stockQuantity":-2,"lowStockThreshold":3.0,"trackingEnabled":"off"}`))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := NormalizeInventoryUpdate(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if *got.StockQuantity != -2 || !got.IsNegativeStock {
		t.Fatalf("expected negative stock preserved, got %+v", got)
	}
	if got.LowStockThreshold == nil || *got.LowStockThreshold != 3 {
		t.Fatalf("expected threshold 3, got %v", got.LowStockThreshold)
	}
	if got.TrackingEnabled {
		t.Fatalf("expected tracking disabled")
	}
	if !got.Available {
		t.Fatalf("expected available when not flagged out of stock")
	}
}

func TestNormalizeRequiresProductID(t *testing.T) {
	if _, err := NormalizeInventoryUpdate(map[string]any{"stockQuantity": 1}); !errors.Is(err, ErrMissingProductID) {
		t.Fatalf("expected ErrMissingProductID, got %v", err)
	}
}

func TestBroadcastAcceptsTypedPayload(t *testing.T) {
	hub, _ := newTestHub(Options{})
	qty := 7
	got, err := hub.BroadcastInventoryUpdate(domain.InventoryUpdate{ProductID: "chips", StockQuantity: &qty, StockStatus: "in_stock", Available: true, TrackingEnabled: true})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if *got.StockQuantity != 7 || got.StockStatus != domain.StockInStock || !got.Available {
		t.Fatalf("unexpected normalized payload %+v", got)
	}
}
