package provenance

import (
	"encoding/json"
	"fmt"
)

func marshalRecord(rec Record) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("provenance: encode record %s: %w", rec.ID, err)
	}
	return raw, nil
}

func unmarshalRecord(raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("provenance: decode record: %w", err)
	}
	return rec, nil
}
