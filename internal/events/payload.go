package events

import "encoding/json"

// EncodePayload converts a typed payload into the generic event data map.
// Round-tripping through JSON keeps the shape identical whether the event
// crosses NATS or stays in process.
func EncodePayload(p interface{}) map[string]interface{} {
	raw, err := json.Marshal(p)
	if err != nil {
		return map[string]interface{}{}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}

// DecodePayload extracts a typed payload from the generic event data map.
func DecodePayload(data map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
