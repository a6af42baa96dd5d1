package remoteid

import "strings"

// RemoteID identifies a media server reachable through the cloud signaling
// service. The canonical form is 26 uppercase alphanumeric characters.
type RemoteID string

const idLength = 26

// Parse normalizes raw user input (hyphens and spaces are stripped,
// lowercase is folded to uppercase) and validates the result. Invalid
// input yields ok=false, never an error.
func Parse(raw string) (RemoteID, bool) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r == '-' || r == ' ':
			continue
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			return "", false
		}
	}
	id := b.String()
	if len(id) != idLength {
		return "", false
	}
	return RemoteID(id), true
}

func (id RemoteID) String() string {
	return string(id)
}
