package fhir

import "encoding/json"

// StripEmpty normalizes a resource built from mixed structs and maps into a
// plain map with all empty fields removed recursively: nil values, empty
// strings, empty maps, and empty slices are dropped. Numeric zeros and false
// booleans survive, since 0 amounts and false flags are meaningful.
func StripEmpty(resource map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(resource)
	if err != nil {
		return resource
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return resource
	}
	cleaned, _ := stripValue(decoded)
	m, ok := cleaned.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return m
}

// stripValue returns the cleaned value and whether it should be kept.
func stripValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, val != ""
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if cleaned, keep := stripValue(inner); keep {
				out[k] = cleaned
			}
		}
		return out, len(out) > 0
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, inner := range val {
			if cleaned, keep := stripValue(inner); keep {
				out = append(out, cleaned)
			}
		}
		return out, len(out) > 0
	default:
		return val, true
	}
}
