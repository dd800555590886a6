package main

import (
	"fmt"
	"os"

	"github.com/invopop/jsonschema"
	"github.com/luccadibe/wpfleet/internal/config"
)

// Prints the JSON schema of the wpfleet configuration file.
func main() {
	r := &jsonschema.Reflector{FieldNameTag: "yaml", RequiredFromJSONSchemaTags: true}
	schema := r.Reflect(&config.Config{})
	data, err := schema.MarshalJSON()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
