package models

import "time"

// Tenant is the billing boundary charged by successful executions.
type Tenant struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	TokensMonthlyLimit int64     `json:"tokens_monthly_limit" db:"tokens_monthly_limit"`
	TokensUsedCurrent  int64     `json:"tokens_used_current" db:"tokens_used_current"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// TokensRemaining never goes below zero.
func (t Tenant) TokensRemaining() int64 {
	if t.TokensUsedCurrent >= t.TokensMonthlyLimit {
		return 0
	}
	return t.TokensMonthlyLimit - t.TokensUsedCurrent
}
