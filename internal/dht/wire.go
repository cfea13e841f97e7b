package dht

import "encoding/json"

// EncodeEntry renders an entry for DHT_STORE/DHT_RESPONSE frame bodies.
func EncodeEntry(e Entry) []byte {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return raw
}

// DecodeEntry parses a wire entry; malformed input yields ok=false.
func DecodeEntry(raw []byte) (Entry, bool) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}
