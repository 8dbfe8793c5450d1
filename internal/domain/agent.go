/**
 * @description
 * This file defines the field agent model. Agents redeem withdrawal tokens and
 * pay out cash; their running totals are only ever incremented, and only by a
 * successful redemption.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Agent statuses. Only ACTIVE agents may redeem tokens.
const (
	AgentStatusActive    = "ACTIVE"
	AgentStatusSuspended = "SUSPENDED"
	AgentStatusInactive  = "INACTIVE"
)

// Agent represents a field agent permitted to redeem withdrawal tokens.
type Agent struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	AgentCode         string    `json:"agent_code"`
	Status            string    `json:"status"`
	Location          string    `json:"location"`
	TotalTransactions int64     `json:"total_transactions"`
	TotalAmount       int64     `json:"total_amount"`
	CommissionEarned  int64     `json:"commission_earned"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
