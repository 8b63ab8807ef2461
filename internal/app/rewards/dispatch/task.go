// Package dispatch turns reward tasks into engine calls.
//
// Business actions (a completed purchase, a paid registration, a scheduled
// recheck) are expressed as explicit Task messages. A Handler routes each
// task to the commission and rank engines; an Enqueuer hands tasks to
// whatever transport carries them to a Handler.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Type names what happened.
type Type string

const (
	TypePurchaseCompleted     Type = "purchase_completed"
	TypeRegistrationCompleted Type = "registration_completed"
	TypeTeamRecheck           Type = "team_recheck"
)

// Monetary reports whether the task carries an amount to distribute.
func (t Type) Monetary() bool {
	return t == TypePurchaseCompleted || t == TypeRegistrationCompleted
}

func (t Type) valid() bool {
	return t.Monetary() || t == TypeTeamRecheck
}

// ErrMalformed marks a task that can never be processed.
var ErrMalformed = errors.New("malformed task")

// Task is the message envelope. For monetary types ID doubles as the source
// event id, so redelivering the same task never pays twice.
type Task struct {
	ID        string             `json:"id"`
	Type      Type               `json:"type"`
	UserID    primitive.ObjectID `json:"user_id"`
	Amount    decimal.Decimal    `json:"amount"`
	Currency  string             `json:"currency,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// NewTask builds a task with a fresh id.
func NewTask(typ Type, userID primitive.ObjectID, amount decimal.Decimal, currency string) Task {
	return Task{
		ID:        uuid.NewString(),
		Type:      typ,
		UserID:    userID,
		Amount:    amount,
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the envelope. Amount rules are left to the engines.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrMalformed)
	case !t.Type.valid():
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, t.Type)
	case t.UserID.IsZero():
		return fmt.Errorf("%w: user_id is required", ErrMalformed)
	}
	return nil
}

// Decode parses and validates a task message body.
func Decode(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}
