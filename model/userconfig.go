package model

import "time"

// UserConfig holds a user's messaging-channel credentials and webhook
// verification secret. Read-only to the core; always re-fetched fresh before
// a send so credential rotation takes effect mid-campaign.
type UserConfig struct {
	UserID        string    `json:"user_id"`
	AccessToken   string    `json:"access_token"`
	PhoneNumberID string    `json:"phone_number_id"`
	BusinessID    string    `json:"business_id,omitempty"`
	VerifyToken   string    `json:"verify_token,omitempty"`
	APIVersion    string    `json:"api_version,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Valid reports whether the config carries enough to send messages.
func (c *UserConfig) Valid() bool {
	return c != nil && c.AccessToken != "" && c.PhoneNumberID != ""
}
