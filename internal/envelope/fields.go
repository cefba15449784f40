package envelope

import (
	"encoding/json"
	"strings"
)

// Value is a single stream field. Producers write plain strings, some of which
// are JSON documents; JSON holds the decoded form when Raw parses as JSON.
type Value struct {
	Raw  string
	JSON json.RawMessage
}

// ParseValue classifies a raw stream value, falling back to the raw string
// when it is not valid JSON.
func ParseValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return Value{Raw: raw, JSON: json.RawMessage(trimmed)}
	}
	return Value{Raw: raw}
}

// IsJSON reports whether the raw value parsed as JSON.
func (v Value) IsJSON() bool {
	return len(v.JSON) > 0
}

// String returns the textual form of the value. JSON string literals are
// unquoted; every other value is returned as written.
func (v Value) String() string {
	if len(v.JSON) > 0 && v.JSON[0] == '"' {
		var s string
		if err := json.Unmarshal(v.JSON, &s); err == nil {
			return s
		}
	}
	return v.Raw
}

// Document returns the value as a JSON document, encoding non-JSON values as
// JSON strings.
func (v Value) Document() json.RawMessage {
	if len(v.JSON) > 0 {
		return v.JSON
	}
	encoded, _ := json.Marshal(v.Raw)
	return encoded
}

func (v Value) MarshalJSON() ([]byte, error) {
	return v.Document(), nil
}

// Fields is the typed view of a stream entry's field map.
type Fields map[string]Value

// ParseFields converts the raw field map delivered by the stream store.
func ParseFields(raw map[string]string) Fields {
	fields := make(Fields, len(raw))
	for key, value := range raw {
		fields[key] = ParseValue(value)
	}
	return fields
}

// FieldsFromAny adapts the interface-typed maps returned by the Redis client.
func FieldsFromAny(raw map[string]interface{}) Fields {
	converted := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			converted[key] = v
		case []byte:
			converted[key] = string(v)
		case nil:
			converted[key] = ""
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			converted[key] = string(encoded)
		}
	}
	return ParseFields(converted)
}

// String returns the trimmed textual value for key, or "" when absent.
func (f Fields) String(key string) string {
	value, ok := f[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.String())
}

// FirstString returns the first non-empty value among keys.
func (f Fields) FirstString(keys ...string) string {
	for _, key := range keys {
		if value := f.String(key); value != "" {
			return value
		}
	}
	return ""
}

// Document returns the JSON document for key, or nil when absent.
func (f Fields) Document(key string) json.RawMessage {
	value, ok := f[key]
	if !ok {
		return nil
	}
	return value.Document()
}

// Encode renders the whole entry as one JSON object for the audit table.
func (f Fields) Encode() ([]byte, error) {
	return json.Marshal(map[string]Value(f))
}
