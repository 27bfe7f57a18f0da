package storage

import (
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

func TestEncodedLen(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"oi", 2},
		{`a"b\c`, 7},
		{"l1\nl2\t", 8},
		{"\x01", 6},
		{"ção", 5},
		{"🍺", 4},
	}
	for _, c := range cases {
		require.Equal(t, c.want, EncodedLen(c.in), c.in)
	}
}

// a message update carries the row twice and must stay under the 8000 byte notification limit
func TestLimitsFitOneNotification(t *testing.T) {
	id := strings.Repeat("f", 36)
	overhead := 512

	message := 2 * (MaxBodyBytes + MaxClientRefBytes + 3*len(id) + overhead)
	require.Less(t, message, 8000)

	profile := 2 * (MaxNameBytes + MaxTableBytes + MaxPhotoURLBytes + 16 + 2*len(id) + overhead)
	require.Less(t, profile, 8000)
}
