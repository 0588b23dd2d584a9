// Package models defines the persisted data model for the vault service.
// All monetary values are stored as fixed-point decimals (integer base
// units), never as binary floating point.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralAsset represents a registered deposit asset. Exactly one asset
// is flagged as the settlement asset; it can never be removed.
type CollateralAsset struct {
	ID           uint            `json:"-" gorm:"primaryKey"`
	Address      string          `json:"address" gorm:"uniqueIndex;size:42"`
	Symbol       string          `json:"symbol"`
	Decimals     int32           `json:"decimals"`
	Active       bool            `json:"active"`
	IsSettlement bool            `json:"is_settlement"`
	Balance      decimal.Decimal `json:"balance" gorm:"type:numeric(78,0)"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// VaultPosition tracks the share balance of one owner. Shares are 18-decimal
// fixed point carried as integer base units.
type VaultPosition struct {
	ID        uint            `json:"-" gorm:"primaryKey"`
	Owner     string          `json:"owner" gorm:"uniqueIndex;size:42"`
	Shares    decimal.Decimal `json:"shares" gorm:"type:numeric(78,0)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// VaultState is the single-row aggregate checked against the sum of all
// positions: total shares only moves by mint (deposit) and burn (settlement).
type VaultState struct {
	ID          uint            `json:"-" gorm:"primaryKey"`
	TotalShares decimal.Decimal `json:"total_shares" gorm:"type:numeric(78,0)"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NavRecord is one accepted NAV update. Rounds increase by exactly one per
// accepted update; the deviation bound active at update time is snapshotted.
type NavRecord struct {
	ID              uint            `json:"-" gorm:"primaryKey"`
	Round           int64           `json:"round" gorm:"uniqueIndex"`
	Price           decimal.Decimal `json:"price" gorm:"type:numeric(78,0)"`
	Source          string          `json:"source"`
	Updater         string          `json:"updater" gorm:"size:42"`
	MaxDeviationBps int64           `json:"max_deviation_bps"`
	MinInterval     int64           `json:"min_interval_seconds"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NavSetting is the single-row table holding admin overrides of the NAV
// bounds. The configured default applies until a row exists.
type NavSetting struct {
	ID              uint      `json:"-" gorm:"primaryKey"`
	MaxDeviationBps int64     `json:"max_deviation_bps"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NavUpdater is an address allowed to push NAV updates.
type NavUpdater struct {
	ID         uint      `json:"-" gorm:"primaryKey"`
	Address    string    `json:"address" gorm:"uniqueIndex;size:42"`
	Authorized bool      `json:"authorized"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VaultEvent is the audit/event log row. Seq is DB-assigned and strictly
// monotonic, sufficient for exactly-once downstream processing.
type VaultEvent struct {
	Seq        int64     `json:"seq" gorm:"primaryKey;autoIncrement"`
	Type       string    `json:"type" gorm:"index"`
	Deployment string    `json:"deployment" gorm:"index"`
	Actor      string    `json:"actor"`
	Asset      string    `json:"asset,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	RefID      string    `json:"ref_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RedemptionStatus is the lifecycle state of a redemption request.
type RedemptionStatus string

const (
	RedemptionPending    RedemptionStatus = "pending"
	RedemptionApproved   RedemptionStatus = "approved"
	RedemptionProcessing RedemptionStatus = "processing"
	RedemptionCompleted  RedemptionStatus = "completed"
	RedemptionFailed     RedemptionStatus = "failed"
	RedemptionCancelled  RedemptionStatus = "cancelled"
	RedemptionRejected   RedemptionStatus = "rejected"
	RedemptionExpired    RedemptionStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s RedemptionStatus) Terminal() bool {
	switch s {
	case RedemptionCompleted, RedemptionCancelled, RedemptionRejected, RedemptionExpired:
		return true
	}
	return false
}

// RedemptionRequest is a signed, queued redemption. The (deployment, owner,
// nonce) unique index is the sole source of truth for replay protection and
// must be enforced atomically with creation.
type RedemptionRequest struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	Deployment      string           `json:"deployment" gorm:"uniqueIndex:idx_redemption_nonce;index"`
	Owner           string           `json:"owner" gorm:"uniqueIndex:idx_redemption_nonce;index;size:42"`
	Nonce           uint64           `json:"nonce" gorm:"uniqueIndex:idx_redemption_nonce"`
	ShareAmount     decimal.Decimal  `json:"share_amount" gorm:"type:numeric(78,0)"`
	MinAssetsOut    decimal.Decimal  `json:"min_assets_out" gorm:"type:numeric(78,0)"`
	Signature       string           `json:"signature"`
	Deadline        time.Time        `json:"deadline"`
	Status          RedemptionStatus `json:"status" gorm:"index"`
	Priority        int              `json:"priority"`
	QueuePosition   int64            `json:"queue_position"`
	RetryCount      int              `json:"retry_count"`
	SettlementTxRef string           `json:"settlement_tx_ref,omitempty"`
	SettledAmount   decimal.Decimal  `json:"settled_amount" gorm:"type:numeric(78,0)"`
	OperatorNotes   string           `json:"operator_notes,omitempty"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}
