package session

import (
	"github.com/google/uuid"
	"net/url"
	"strings"
)

// ParseVenueRef extracts the venue id from a scanned QR payload or a typed reference. It accepts a
// bare id, a URL carrying the id in its bar or venue query parameter, and a URL or path ending in
// the id. The id is returned in canonical lowercase form.
func ParseVenueRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrVenueRequired
	}

	candidate := ref
	if strings.ContainsAny(ref, "/?") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", ErrVenueNotFound
		}
		q := u.Query()
		switch {
		case q.Get("bar") != "":
			candidate = q.Get("bar")
		case q.Get("venue") != "":
			candidate = q.Get("venue")
		default:
			segments := strings.Split(strings.Trim(u.Path, "/"), "/")
			candidate = segments[len(segments)-1]
		}
	}

	id, err := uuid.Parse(strings.TrimSpace(candidate))
	if err != nil {
		return "", ErrVenueNotFound
	}
	return id.String(), nil
}

// NormalizePhone keeps the digits of phone behind a leading plus. An empty phone stays empty.
func NormalizePhone(phone string) (string, error) {
	var digits strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidPhone
		}
	}

	switch n := digits.Len(); {
	case n == 0:
		if strings.TrimSpace(phone) != "" {
			return "", ErrInvalidPhone
		}
		return "", nil
	case n < 8 || n > 15:
		return "", ErrInvalidPhone
	}
	return "+" + digits.String(), nil
}
