// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// ResourcesSchema is the embedded job-resources JSON schema.
//
//go:embed resources.schema.json
var ResourcesSchema []byte
