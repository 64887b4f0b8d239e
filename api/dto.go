/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Balances and rewards are decimal.Decimal internally and float64 on
  the wire. The catalog values are small round numbers, well inside
  float64's exact range.

SEE ALSO:
  - handlers.go: Uses these types
  - activity/types.go: Domain types behind the DTOs
*/
package api

import (
	"time"

	"github.com/warp/activity-engine/activity"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ActivityDTO represents a catalog activity with its availability for
// the requesting user.
type ActivityDTO struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Reward          float64 `json:"reward"`
	Policy          string  `json:"policy"`
	Available       bool    `json:"available"`
	NextAvailableAt *string `json:"next_available_at,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

// UserDTO represents a balance holder in API responses.
type UserDTO struct {
	ID           int64   `json:"id"`
	ExternalID   string  `json:"external_id"`
	Balance      float64 `json:"balance"`
	ReferredByID *int64  `json:"referred_by_id,omitempty"`
	CreatedAt    string  `json:"created_at,omitempty"`
}

// RewardRequest is the body of a claim. Args carry rule-specific
// inputs, such as the referral code.
type RewardRequest struct {
	Args map[string]string `json:"args,omitempty"`
}

// RewardResponse is the outcome of a successful claim.
type RewardResponse struct {
	User     UserDTO     `json:"user"`
	Activity ActivityDTO `json:"activity"`
}

// CreateUserRequest is the request to register a user.
type CreateUserRequest struct {
	ExternalID string `json:"external_id"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error           string  `json:"error"`
	Details         string  `json:"details,omitempty"`
	NextAvailableAt *string `json:"next_available_at,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toActivityDTO(act activity.Activity, v activity.Verdict) ActivityDTO {
	dto := ActivityDTO{
		ID:        string(act.ID),
		Name:      act.Name,
		Reward:    act.Reward.InexactFloat64(),
		Policy:    string(act.Policy),
		Available: v.Available,
		Reason:    v.Reason,
	}
	if v.NextAvailableAt != nil {
		s := v.NextAvailableAt.UTC().Format(time.RFC3339)
		dto.NextAvailableAt = &s
	}
	return dto
}

func toUserDTO(u *activity.User) UserDTO {
	dto := UserDTO{
		ID:         int64(u.ID),
		ExternalID: u.ExternalID,
		Balance:    u.Balance.InexactFloat64(),
	}
	if u.ReferredByID != nil {
		ref := int64(*u.ReferredByID)
		dto.ReferredByID = &ref
	}
	if !u.CreatedAt.IsZero() {
		dto.CreatedAt = u.CreatedAt.UTC().Format(time.RFC3339)
	}
	return dto
}
