package fetcher

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// lookup walks a decoded JSON document along a dotted path such as
// "data.items" or "result.0.id". An empty path returns the document itself.
func lookup(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a decoded JSON value as a record field.
// Scalars keep their literal form; objects and arrays are re-encoded.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// decodeJSON decodes body keeping numbers as json.Number so that large
// identifiers survive unchanged.
func decodeJSON(body []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
