package entity

import (
	"time"

	"github.com/guregu/null/v5"
)

// InstrumentSubscription is an operator-managed watchlist row used to seed the
// relay's registry at startup.
type InstrumentSubscription struct {
	ID            string      `db:"id" json:"id"`
	InstrumentKey string      `db:"instrument_key" json:"instrument_key"`
	Mode          string      `db:"mode" json:"mode"`
	Note          null.String `db:"note" json:"note"`
	IsActive      bool        `db:"is_active" json:"is_active"`
	DeactivatedAt null.Time   `db:"deactivated_at" json:"deactivated_at"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

func (s InstrumentSubscription) TableName() string {
	return "instrument_subscriptions"
}
