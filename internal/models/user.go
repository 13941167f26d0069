package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a local account bridged from a federated identity. Email is the
// dedup key: the store enforces uniqueness so re-authentication with the
// same federated identity always resolves to the same row.
type User struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Email              string     `db:"email" json:"email"`
	DisplayName        string     `db:"display_name" json:"display_name,omitempty"`
	FederatedSubject   string     `db:"federated_subject" json:"-"`
	FederatedIssuer    string     `db:"federated_issuer" json:"-"`
	SubscriptionStatus string     `db:"subscription_status" json:"subscription_status,omitempty"`
	SubscriptionTier   string     `db:"subscription_tier" json:"subscription_tier,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
	LastLoginAt        *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
}

// Tier resolves the quota tier for this account: an active subscription
// grants its tier name, anything else is free.
func (u *User) Tier() string {
	if u.SubscriptionStatus == "active" && u.SubscriptionTier != "" {
		return u.SubscriptionTier
	}
	return "free"
}

// FederatedProfile is the identity payload fetched from the federated
// provider's userinfo endpoint.
type FederatedProfile struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	Issuer  string `json:"-"`
}
