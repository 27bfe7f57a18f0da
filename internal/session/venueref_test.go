package session

import (
	"github.com/stretchr/testify/require"
	"testing"
)

func TestParseVenueRef(t *testing.T) {
	const id = "7a3c1f0e-8d1b-4c55-9f8e-0a6b2d9c4e11"

	cases := []struct {
		name string
		ref  string
		want string
		err  error
	}{
		{name: "bare id", ref: id, want: id},
		{name: "uppercase id", ref: " 7A3C1F0E-8D1B-4C55-9F8E-0A6B2D9C4E11 ", want: id},
		{name: "bar query", ref: "https://barmatch.app/join?bar=" + id, want: id},
		{name: "venue query", ref: "https://barmatch.app/?table=5&venue=" + id, want: id},
		{name: "path", ref: "https://barmatch.app/venues/" + id + "/", want: id},
		{name: "relative path", ref: "/join/" + id, want: id},
		{name: "empty", ref: "   ", err: ErrVenueRequired},
		{name: "garbage", ref: "bar-do-ze", err: ErrVenueNotFound},
		{name: "url without id", ref: "https://barmatch.app/join", err: ErrVenueNotFound},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ParseVenueRef(c.ref)
			if c.err != nil {
				require.Equal(t, c.err, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, got)
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"+55 11 90000-0000": "+5511900000000",
		"(11) 90000.0000":   "+11900000000",
		"+5511900000000":    "+5511900000000",
	}
	for in, want := range cases {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"12345", "call me", "+", "1234567890123456"} {
		_, err := NormalizePhone(in)
		require.Equal(t, ErrInvalidPhone, err, in)
	}
}
