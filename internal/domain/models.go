package domain

import "time"

const (
	StatusOpen        = "open"
	StatusClosed      = "closed"
	StatusMaintenance = "maintenance"
)

const (
	SourcePurchase         = "purchase"
	SourceManualAdjustment = "manual_adjustment"
	SourceReconciliation   = "reconciliation"
	SourceSystem           = "system"
)

const (
	NotificationPending   = "pending"
	NotificationSent      = "sent"
	NotificationFailed    = "failed"
	NotificationAbandoned = "abandoned"

	NotificationTypeLowStock = "low_stock"
)

const (
	StockInStock     = "in_stock"
	StockLow         = "low_stock"
	StockOut         = "out_of_stock"
	StockUnavailable = "unavailable"
	StockUntracked   = "untracked"
)

// OperatingWindow is an open interval on the listed weekdays (0 = Sunday).
// End <= Start means the window runs past midnight into the next day.
type OperatingWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  []int  `json:"days"`
}

type Maintenance struct {
	Enabled bool       `json:"enabled"`
	Message string     `json:"message,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}

// RawOperatingConfig is the stored, unvalidated form of the operating configuration.
// Days are kept as arbitrary JSON values so malformed input can be sanitized instead of rejected.
type RawOperatingConfig struct {
	Timezone    string               `json:"timezone"`
	Windows     []RawOperatingWindow `json:"windows"`
	Maintenance Maintenance          `json:"maintenance"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

type RawOperatingWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  []any  `json:"days"`
}

// OperatingConfig is the sanitized configuration the status engine evaluates.
type OperatingConfig struct {
	Timezone    string            `json:"timezone"`
	Location    *time.Location    `json:"-"`
	Windows     []OperatingWindow `json:"windows"`
	Maintenance Maintenance       `json:"maintenance"`
	Sanitized   bool              `json:"sanitized"`
	Issues      []string          `json:"issues,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type KioskStatus struct {
	Status      string            `json:"status"`
	Reason      string            `json:"reason"`
	Message     string            `json:"message"`
	NextOpen    *time.Time        `json:"nextOpen"`
	NextClose   *time.Time        `json:"nextClose"`
	Timezone    string            `json:"timezone"`
	Windows     []OperatingWindow `json:"windows"`
	Maintenance Maintenance       `json:"maintenance"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"priceCents"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type LedgerEntry struct {
	ID                string         `json:"id"`
	ProductID         string         `json:"product_id"`
	Delta             int            `json:"delta"`
	ResultingQuantity int            `json:"resulting_quantity"`
	Source            string         `json:"source"`
	Reason            string         `json:"reason,omitempty"`
	Actor             *string        `json:"actor,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

type InventorySnapshot struct {
	ProductID         string     `json:"productId"`
	CurrentStock      int        `json:"currentStock"`
	LowStockThreshold *int       `json:"lowStockThreshold"`
	IsLowStock        bool       `json:"isLowStock"`
	IsNegativeStock   bool       `json:"isNegativeStock"`
	TrackingEnabled   bool       `json:"trackingEnabled"`
	LastActivityAt    *time.Time `json:"lastActivityAt"`
}

type NotificationLogEntry struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	DedupeKey     string         `json:"dedupe_key"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LedgerResult is what a committed ledger write produced.
type LedgerResult struct {
	Entry    LedgerEntry           `json:"entry"`
	Snapshot InventorySnapshot     `json:"snapshot"`
	Alert    *NotificationLogEntry `json:"alert,omitempty"`
}

type PurchaseItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Qty       int    `json:"qty" validate:"required,min=1,max=99"`
}

type Purchase struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Items          []PurchaseItem `json:"items"`
	CreatedAt      time.Time      `json:"created_at"`
}

type PurchaseRequest struct {
	IdempotencyKey string         `json:"idempotency_key" validate:"required,max=128"`
	Items          []PurchaseItem `json:"items" validate:"required,min=1,dive"`
}

type PurchaseResult struct {
	Purchase        Purchase       `json:"purchase"`
	Ledger          []LedgerResult `json:"ledger"`
	TrackingEnabled bool           `json:"tracking_enabled"`
	Replayed        bool           `json:"replayed"`
}

type AdjustmentRequest struct {
	ProductID string         `json:"product_id" validate:"required"`
	Delta     int            `json:"delta" validate:"required,ne=0"`
	Reason    string         `json:"reason" validate:"required,max=500"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type ReconciliationRequest struct {
	ProductID       string `json:"product_id" validate:"required"`
	CountedQuantity int    `json:"counted_quantity"`
	Reason          string `json:"reason" validate:"max=500"`
}

type TrackingRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type TrackingState struct {
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InventoryUpdate is the normalized payload carried by inventory:update events.
type InventoryUpdate struct {
	ProductID         string     `json:"productId"`
	StockQuantity     *int       `json:"stockQuantity"`
	LowStockThreshold *int       `json:"lowStockThreshold"`
	IsLowStock        bool       `json:"isLowStock"`
	IsOutOfStock      bool       `json:"isOutOfStock"`
	IsNegativeStock   bool       `json:"isNegativeStock"`
	StockStatus       string     `json:"stockStatus"`
	Available         bool       `json:"available"`
	TrackingEnabled   bool       `json:"trackingEnabled"`
	UpdatedAt         *time.Time `json:"updatedAt"`
}

type FeedProduct struct {
	Product
	StockQuantity     *int   `json:"stockQuantity"`
	LowStockThreshold *int   `json:"lowStockThreshold"`
	IsLowStock        bool   `json:"isLowStock"`
	IsOutOfStock      bool   `json:"isOutOfStock"`
	StockStatus       string `json:"stockStatus"`
	Available         bool   `json:"available"`
}

// FeedCatalog is the cacheable part of the product feed; status is added per request.
type FeedCatalog struct {
	TrackingEnabled bool          `json:"inventoryTrackingEnabled"`
	Products        []FeedProduct `json:"products"`
	LastModified    time.Time     `json:"lastModified"`
}

type ProductFeed struct {
	InventoryTrackingEnabled bool          `json:"inventoryTrackingEnabled"`
	Status                   KioskStatus   `json:"status"`
	StatusFingerprint        string        `json:"statusFingerprint"`
	Products                 []FeedProduct `json:"products"`
	GeneratedAt              time.Time     `json:"generatedAt"`
	ETag                     string        `json:"-"`
	LastModified             time.Time     `json:"-"`
}

type OperatingConfigRequest struct {
	Timezone    string               `json:"timezone" validate:"max=64"`
	Windows     []RawOperatingWindow `json:"windows"`
	Maintenance Maintenance          `json:"maintenance"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
