// Package templates embeds the annotated default config written by setup.
package templates

import _ "embed"

//go:embed config.yaml
var ConfigYAML []byte
