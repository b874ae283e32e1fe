// Package assets embeds files shipped inside the binary.
package assets

import _ "embed"

// ExampleConfig is the annotated config written by `evalstream init`.
//
//go:embed evalstream.example.yaml
var ExampleConfig []byte
