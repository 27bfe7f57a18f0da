package storage

import (
	"encoding/json"
	"fmt"
	"github.com/valyala/fastjson"
	"time"
)

var rowParsers fastjson.ParserPool

// DecodeProfile parses a profiles row object as produced by row_to_json or MemoryStore
func DecodeProfile(raw []byte) (Profile, error) {
	p := rowParsers.Get()
	defer rowParsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("parsing profile row: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return Profile{}, fmt.Errorf("profile row must be an object, got %s", v.Type())
	}

	profile := Profile{
		ID:         string(v.GetStringBytes("id")),
		VenueID:    string(v.GetStringBytes("venue_id")),
		Name:       string(v.GetStringBytes("name")),
		Phone:      string(v.GetStringBytes("phone")),
		PhotoURL:   string(v.GetStringBytes("photo_url")),
		Interest:   Interest(v.GetStringBytes("interest")),
		TableLabel: string(v.GetStringBytes("table_label")),
	}
	if profile.ID == "" {
		return Profile{}, fmt.Errorf("profile row has no id")
	}

	profile.CreatedAt, err = decodeTime(v, "created_at")
	if err != nil {
		return Profile{}, err
	}

	if s := v.GetStringBytes("offline_since"); s != nil {
		t, err := time.Parse(time.RFC3339Nano, string(s))
		if err != nil {
			return Profile{}, fmt.Errorf("parsing offline_since: %w", err)
		}
		profile.OfflineSince = &t
	}

	return profile, nil
}

// DecodeMessage parses a messages row object as produced by row_to_json or MemoryStore
func DecodeMessage(raw []byte) (Message, error) {
	p := rowParsers.Get()
	defer rowParsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return Message{}, fmt.Errorf("parsing message row: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return Message{}, fmt.Errorf("message row must be an object, got %s", v.Type())
	}

	m := Message{
		ID:         v.GetInt64("id"),
		VenueID:    string(v.GetStringBytes("venue_id")),
		SenderID:   string(v.GetStringBytes("sender_id")),
		ReceiverID: string(v.GetStringBytes("receiver_id")),
		Body:       string(v.GetStringBytes("body")),
		ClientRef:  string(v.GetStringBytes("client_ref")),
		Likes:      v.GetInt("likes"),
	}
	if m.ID < 1 {
		return Message{}, fmt.Errorf("message row has no id")
	}

	m.CreatedAt, err = decodeTime(v, "created_at")
	if err != nil {
		return Message{}, err
	}

	return m, nil
}

func decodeTime(v *fastjson.Value, key string) (time.Time, error) {
	s := v.GetStringBytes(key)
	if s == nil {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", key, err)
	}
	return t, nil
}

// encodeRow marshals an entity the way row_to_json renders the matching table row
func encodeRow(entity interface{}) []byte {
	b, err := json.Marshal(entity)
	if err != nil {
		// entities only contain marshalable fields
		panic(err)
	}
	return b
}
