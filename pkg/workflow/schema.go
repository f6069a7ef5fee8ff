package workflow

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var documentSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(documentSchema)

// validateDocument checks a decoded workflow document against the document schema.
func validateDocument(document map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return err
	}

	if !result.Valid() {
		var problems []string
		for _, resultErr := range result.Errors() {
			problems = append(problems, resultErr.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(problems, "; "))
	}

	return nil
}
