// internal/domain/models/commission.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CommissionRecord is the immutable fact that BeneficiaryID was paid Amount
// for SourceEventID. At most one exists per (source_event_id, beneficiary_id);
// a unique index enforces it.
type CommissionRecord struct {
	ID            primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	BeneficiaryID primitive.ObjectID   `bson:"beneficiary_id" json:"beneficiary_id"`
	SourceUserID  primitive.ObjectID   `bson:"source_user_id" json:"source_user_id"`
	SourceEventID string               `bson:"source_event_id" json:"source_event_id"`
	Level         int                  `bson:"level" json:"level"`
	Amount        primitive.Decimal128 `bson:"amount" json:"amount"`
	Rate          primitive.Decimal128 `bson:"rate" json:"rate"`
	Currency      string               `bson:"currency" json:"currency"`
	CreatedAt     time.Time            `bson:"created_at" json:"created_at"`
}
