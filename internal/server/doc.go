package server

import (
	_ "embed"

	"github.com/swaggo/swag"
)

//go:embed openapi.json
var openapiDoc string

// apiDoc serves the embedded OpenAPI document at /swagger/doc.json.
type apiDoc struct{}

func (apiDoc) ReadDoc() string {
	return openapiDoc
}

func init() {
	swag.Register(swag.Name, apiDoc{})
}
