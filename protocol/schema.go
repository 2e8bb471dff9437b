package protocol

import (
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

// Schema returns the JSON Schema of Envelope. The result is shared and must
// not be mutated.
func Schema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true, // inline defs
			ExpandedStruct: true, // put struct at root
		}
		schema = r.Reflect(new(Envelope))
		schema.Title = "syncrelay request envelope"
	})
	return schema
}
