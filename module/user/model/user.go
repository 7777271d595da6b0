package model

import "time"

type User struct {
	ID          string    `bson:"_id" json:"id"`
	Username    string    `bson:"username" json:"username"`
	DisplayName string    `bson:"display_name" json:"display_name"`
	Email       string    `bson:"email" json:"email"`
	StoreCode   string    `bson:"store_code,omitempty" json:"store_code,omitempty"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}
