package storage

import "time"

// Interest is the category of patrons a profile wants to see
type Interest string

const (
	InterestAll   Interest = "all"
	InterestMen   Interest = "men"
	InterestWomen Interest = "women"
)

// Valid reports whether i is one of the known interest categories
func (i Interest) Valid() bool {
	switch i {
	case InterestAll, InterestMen, InterestWomen:
		return true
	}
	return false
}

type Venue struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	City      string    `json:"city"`
	QRPayload string    `json:"qr_payload"`
	LogoURL   string    `json:"logo_url"`
	CreatedAt time.Time `json:"created_at"`
}

type MenuItem struct {
	ID         int64     `json:"id"`
	VenueID    string    `json:"venue_id"`
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	PriceCents int64     `json:"price_cents"`
	CreatedAt  time.Time `json:"created_at"`
}

// Profile is a patron present at a venue. Phone is empty when the patron did not provide one.
type Profile struct {
	ID           string     `json:"id"`
	VenueID      string     `json:"venue_id"`
	Name         string     `json:"name"`
	Phone        string     `json:"phone"`
	PhotoURL     string     `json:"photo_url"`
	Interest     Interest   `json:"interest"`
	TableLabel   string     `json:"table_label"`
	OfflineSince *time.Time `json:"offline_since"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Message is a direct message between two profiles of the same venue.
// ClientRef is chosen by the sender before the server assigns ID.
type Message struct {
	ID         int64     `json:"id"`
	VenueID    string    `json:"venue_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	ClientRef  string    `json:"client_ref"`
	Likes      int       `json:"likes"`
	CreatedAt  time.Time `json:"created_at"`
}
