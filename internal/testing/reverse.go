package testing

import "chat-relay/internal/storage"

// ReverseMessages returns a reversed copy of the provided messages. Tests
// use it to derive the newest-first storage order from a chronological
// fixture and vice versa.
func ReverseMessages(messages []storage.Message) []storage.Message {
	reversed := make([]storage.Message, len(messages))
	copy(reversed, messages)

	for i := len(reversed)/2 - 1; i >= 0; i-- {
		opp := len(reversed) - 1 - i
		reversed[i], reversed[opp] = reversed[opp], reversed[i]
	}

	return reversed
}
