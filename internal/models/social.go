package models

import "time"

// UserLocation is the latest known position of an active user.
type UserLocation struct {
	UID        string    `db:"uid" json:"uid"`
	Latitude   float64   `db:"latitude" json:"latitude"`
	Longitude  float64   `db:"longitude" json:"longitude"`
	ObservedAt time.Time `db:"observed_at" json:"observed_at"`
}

// Profile is the public part of a user's profile.
type Profile struct {
	UID         string     `db:"uid" json:"uid"`
	Name        string     `db:"name" json:"name"`
	Username    string     `db:"username" json:"username"`
	PhotoURL    string     `db:"photo_url" json:"photo_url"`
	PhoneNumber string     `db:"phone_number" json:"phone_number,omitempty"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
}

// FriendEdge is one direction of a friendship.
type FriendEdge struct {
	OwnerUID  string    `db:"owner_uid" json:"owner_uid"`
	FriendUID string    `db:"friend_uid" json:"friend_uid"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FriendRequest is a pending request from one user to another.
type FriendRequest struct {
	FromUID   string    `db:"from_uid" json:"from_uid"`
	ToUID     string    `db:"to_uid" json:"to_uid"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
