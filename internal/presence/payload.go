package presence

import (
	"barmatch/internal/realtime"
	"encoding/json"
	"fmt"
	"github.com/valyala/fastjson"
	"time"
)

// Channel returns the presence channel key of a venue
func Channel(venueID string) string {
	return "venue:" + venueID
}

// Payload is what a patron session tracks on its venue channel
type Payload struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	Table  string    `json:"table,omitempty"`
	At     time.Time `json:"at"`
}

// Encode marshals p for PresenceChannel.Track
func (p Payload) Encode() realtime.Payload {
	b, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return b
}

var payloadParsers fastjson.ParserPool

// evidence is what a tracked payload says about one profile. online is nil when the payload has no
// online field, which is no evidence at all.
type evidence struct {
	userID string
	online *bool
}

func decodeEvidence(raw realtime.Payload) (evidence, error) {
	p := payloadParsers.Get()
	defer payloadParsers.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return evidence{}, err
	}

	e := evidence{userID: string(v.GetStringBytes("user_id"))}
	if e.userID == "" {
		return evidence{}, fmt.Errorf("presence payload has no user_id")
	}

	if ov := v.Get("online"); ov != nil {
		switch ov.Type() {
		case fastjson.TypeTrue:
			online := true
			e.online = &online
		case fastjson.TypeFalse:
			online := false
			e.online = &online
		}
	}

	return e, nil
}

// Members returns the ids of profiles holding at least one member in state
func Members(state realtime.State) map[string]struct{} {
	ids := make(map[string]struct{}, len(state))
	for _, raw := range state {
		ev, err := decodeEvidence(raw)
		if err != nil {
			continue
		}
		ids[ev.userID] = struct{}{}
	}
	return ids
}
