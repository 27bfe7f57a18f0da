package storage

import (
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestDecodeProfileFromRowToJSON(t *testing.T) {
	raw := []byte(`{"id":"6f1c1b4e-35c4-4d0e-9a55-3f8d1a0e0c11","venue_id":"0b0c3c4a-6a9e-4d0a-8d6e-6c2b1f3a9e10",` +
		`"name":"Ana","phone":"+5511900000000","photo_url":"","interest":"men","table_label":"5",` +
		`"offline_since":null,"created_at":"2026-10-16T21:04:05.123456+00:00"}`)

	p, err := DecodeProfile(raw)
	require.NoError(t, err)
	require.Equal(t, "Ana", p.Name)
	require.Equal(t, InterestMen, p.Interest)
	require.Equal(t, "5", p.TableLabel)
	require.Nil(t, p.OfflineSince)
	require.Equal(t, 2026, p.CreatedAt.Year())
	require.Equal(t, 123456000, p.CreatedAt.Nanosecond())
}

func TestDecodeProfileRoundTripsMemoryEncoding(t *testing.T) {
	since := time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC)
	in := Profile{
		ID:           "p1",
		VenueID:      "v1",
		Name:         "Bruno",
		Interest:     InterestAll,
		TableLabel:   "12",
		OfflineSince: &since,
		CreatedAt:    since.Add(-time.Hour),
	}

	out, err := DecodeProfile(encodeRow(in))
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.NotNil(t, out.OfflineSince)
	require.True(t, since.Equal(*out.OfflineSince))
	require.True(t, in.CreatedAt.Equal(out.CreatedAt))
}

func TestDecodeProfileErrors(t *testing.T) {
	_, err := DecodeProfile([]byte(`{"name":"no id"}`))
	require.Error(t, err)

	_, err = DecodeProfile([]byte(`[1,2]`))
	require.Error(t, err)

	_, err = DecodeProfile([]byte(`{"id":"a","created_at":"yesterday"}`))
	require.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	raw := []byte(`{"id":42,"venue_id":"v1","sender_id":"a","receiver_id":"b","body":"oi",` +
		`"client_ref":"c1","likes":1,"created_at":"2026-10-16T21:04:05+00:00"}`)

	m, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), m.ID)
	require.Equal(t, "oi", m.Body)
	require.Equal(t, "c1", m.ClientRef)
	require.Equal(t, 1, m.Likes)

	_, err = DecodeMessage([]byte(`{"body":"no id"}`))
	require.Error(t, err)
}
