package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Risk gate decisions recorded in the audit trail.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// RiskAudit records one risk-gate evaluation. Written for every decision so
// denied orders remain visible to operators.
type RiskAudit struct {
	gorm.Model
	UserID   uint            `gorm:"index;not null" json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Notional decimal.Decimal `gorm:"type:decimal(24,8)" json:"notional"`
	Decision string          `gorm:"index;not null" json:"decision"`
	Reason   string          `json:"reason,omitempty"`
}
