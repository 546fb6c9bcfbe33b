package upload

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Pair is a single Upload-Metadata entry.
type Pair struct {
	Key   string
	Value []byte
}

// Metadata holds Upload-Metadata entries in the order the client sent them.
type Metadata []Pair

// ParseMetadata decodes a header of the form "key base64,key2 base64".
// A key without a value is kept with an empty value.
func ParseMetadata(header string) (Metadata, error) {
	if strings.TrimSpace(header) == "" {
		return nil, nil
	}

	var md Metadata
	for _, element := range strings.Split(header, ",") {
		element = strings.TrimSpace(element)
		key, value, _ := strings.Cut(element, " ")

		if key == "" {
			return nil, invalid(HeaderMetadata, "empty key")
		}
		if !validKey(key) {
			return nil, invalid(HeaderMetadata, "key "+key+" must be ASCII without spaces or commas")
		}
		if strings.Contains(value, " ") {
			return nil, invalid(HeaderMetadata, "value of "+key+" contains a space")
		}

		decoded, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, invalid(HeaderMetadata, "value of "+key+" is not valid base64")
		}
		md = append(md, Pair{Key: key, Value: decoded})
	}
	return md, nil
}

func validKey(key string) bool {
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c > 0x7e || c < 0x21 || c == ',' {
			return false
		}
	}
	return true
}

// Get returns the value of the first entry named key. Lookup is case-sensitive.
func (m Metadata) Get(key string) ([]byte, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// Lookup is Get for callers that want a string and do not care about presence.
func (m Metadata) Lookup(key string) string {
	v, _ := m.Get(key)
	return string(v)
}

// String renders the header value.
func (m Metadata) String() string {
	parts := make([]string, 0, len(m))
	for _, p := range m {
		if len(p.Value) == 0 {
			parts = append(parts, p.Key)
			continue
		}
		parts = append(parts, p.Key+" "+base64.StdEncoding.EncodeToString(p.Value))
	}
	return strings.Join(parts, ",")
}

// MarshalJSON stores metadata in its wire encoding.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	md, err := ParseMetadata(s)
	if err != nil {
		return err
	}
	*m = md
	return nil
}
