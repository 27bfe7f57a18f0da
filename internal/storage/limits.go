package storage

// Postgres rejects notification payloads of 8000 bytes or more, and an updated row travels in one
// notification twice, as new and old. These caps keep a whole profile or message change below it.
const (
	MaxNameBytes      = 256
	MaxTableBytes     = 64
	MaxPhotoURLBytes  = 2048
	MaxBodyBytes      = 3000
	MaxClientRefBytes = 64
)

// EncodedLen returns the length of s once escaped inside a JSON string, which is how row_to_json
// writes text columns into the notification
func EncodedLen(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"' || c == '\\':
			n += 2
		case c == '\b' || c == '\f' || c == '\n' || c == '\r' || c == '\t':
			n += 2
		case c < 0x20:
			n += 6
		default:
			n++
		}
	}
	return n
}
