// Command generate-schema writes the JSON schema of the DittoUDP
// configuration file, for editor completion of config.yaml.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/dittoudp/pkg/config"
)

func main() {
	output := flag.String("o", "config.schema.json", "Output file ('-' for stdout)")
	flag.Parse()

	data, err := generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schema: %v\n", err)
		os.Exit(1)
	}

	if *output == "-" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("JSON schema written to %s\n", *output)
}

// generate reflects config.Config using the same keys the YAML loader reads.
func generate() ([]byte, error) {
	reflector := jsonschema.Reflector{
		FieldNameTag:              "yaml",
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "DittoUDP Configuration"
	schema.Description = "Configuration file of the DittoUDP datagram server"

	return json.MarshalIndent(schema, "", "  ")
}
