package modal

import "encoding/json"

// Document is an untyped structured plan document. The coordinator only reads
// display fields from it; everything else passes through untouched.
type Document map[string]any

// Name returns the display name of the plan, falling back to "title".
func (d Document) Name() string {
	for _, key := range []string{"name", "title"} {
		if v, ok := d[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Clone returns a deep copy made through a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		out := make(Document, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	}
	var out Document
	_ = json.Unmarshal(b, &out)
	return out
}
