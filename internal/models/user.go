package models

import (
	"time"
)

type User struct {
	ID        string    `json:"id" dynamodbav:"UserID"`
	Email     string    `json:"email" dynamodbav:"Email"`
	Role      string    `json:"role" dynamodbav:"Role"`
	Active    bool      `json:"active" dynamodbav:"Active"`
	CreatedAt time.Time `json:"created_at" dynamodbav:"CreatedAt"`
	UpdatedAt time.Time `json:"updated_at" dynamodbav:"UpdatedAt"`
}

func (u *User) GetPK() string {
	return "USER#" + u.ID
}

func (u *User) GetSK() string {
	return "METADATA"
}
