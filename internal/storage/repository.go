package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrVenueNotExist   = errors.New("venue does not exist")
	ErrProfileExists   = errors.New("profile already exists")
	ErrProfileNotExist = errors.New("profile does not exist")
	ErrMessageNotExist = errors.New("message does not exist")
	ErrAlreadyLiked    = errors.New("message already liked")
)

// Repository is implemented by Store and MemoryStore
type Repository interface {
	CreateVenue(ctx context.Context, v Venue) (Venue, error)
	VenueByID(ctx context.Context, id string) (Venue, error)
	Venues(ctx context.Context) ([]Venue, error)

	AddMenuItems(ctx context.Context, venueID string, items []MenuItem) (int64, error)
	MenuByVenue(ctx context.Context, venueID string) ([]MenuItem, error)

	UpsertProfile(ctx context.Context, p Profile) (Profile, error)
	ProfileByID(ctx context.Context, id string) (Profile, error)
	ProfileByPhone(ctx context.Context, venueID, phone string) (Profile, error)
	ProfilesByVenue(ctx context.Context, venueID string) ([]Profile, error)
	SetProfileOffline(ctx context.Context, id string, since *time.Time) error
	DeleteProfile(ctx context.Context, id string) error
	DeleteProfilesOfflineBefore(ctx context.Context, before time.Time) (int64, error)

	CreateMessage(ctx context.Context, m Message) (Message, error)
	MessageByID(ctx context.Context, id int64) (Message, error)
	LikeMessage(ctx context.Context, id int64) error
	MessagesBetween(ctx context.Context, venueID, a, b string) ([]Message, error)

	Close()
}
