package outbox

import (
	"encoding/json"
	"fmt"
)

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return data, nil
}

func decodeHeaders(data []byte) (map[string]string, error) {
	var h map[string]string
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h, nil
}
