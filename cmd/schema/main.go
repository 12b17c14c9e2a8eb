// Generates the JSON schema for the YAML config file, so editors can
// validate and complete catadump configs. Run via go:generate from
// pkg/config, or directly with an output path argument.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"catadump/pkg/config"
)

func main() {
	out := "schema.json"
	if len(os.Args) > 1 {
		out = os.Args[1]
	}
	if err := writeSchema(out); err != nil {
		log.Fatalf("schema generation failed: %v", err)
	}
	fmt.Printf("config schema written to %s\n", out)
}

func writeSchema(path string) error {
	data, err := json.MarshalIndent(jsonschema.Reflect(&config.Config{}), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil { //nolint:gosec // schema file is not sensitive
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
