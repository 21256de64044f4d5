package models

import "time"

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshToken is one link in a rotation chain. Token is the opaque value
// handed to the client and the primary lookup key; FamilyID is shared by
// every token descended from the same login and never changes across
// rotations. Revoked only ever transitions false to true.
type RefreshToken struct {
	Token     string    `json:"token" dynamodbav:"Token"`
	FamilyID  string    `json:"family_id" dynamodbav:"FamilyID"`
	UserID    string    `json:"user_id" dynamodbav:"UserID"`
	IssuedAt  time.Time `json:"issued_at" dynamodbav:"IssuedAt"`
	ExpiresAt time.Time `json:"expires_at" dynamodbav:"ExpiresAt"`
	Revoked   bool      `json:"revoked" dynamodbav:"Revoked"`
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
