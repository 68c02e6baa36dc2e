package imagebuild

import (
	"bytes"
	"encoding/json"
)

// Canonicalize re-encodes v as canonical JSON: UTF-8, sorted object keys, no
// insignificant whitespace, no trailing newline. Go's encoding/json already
// sorts map[string]T keys when marshaling, so the canonical form is produced
// by marshaling once, decoding into a generic value (which collapses
// structs into maps), and marshaling again compactly.
func Canonicalize(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
