package storage

import "github.com/jackc/pgx/v4"

var menuColumns = []string{"venue_id", "name", "category", "price_cents"}

type menuBulk struct {
	venueID string
	items   []MenuItem
	idx     int
}

func copyFromMenu(venueID string, items []MenuItem) pgx.CopyFromSource {
	return &menuBulk{
		venueID: venueID,
		items:   items,
		idx:     -1,
	}
}

func (mb *menuBulk) Next() bool {
	mb.idx++
	return mb.idx < len(mb.items)
}

func (mb *menuBulk) Values() ([]interface{}, error) {
	item := mb.items[mb.idx]
	return []interface{}{mb.venueID, item.Name, item.Category, item.PriceCents}, nil
}

func (mb *menuBulk) Err() error {
	return nil
}
