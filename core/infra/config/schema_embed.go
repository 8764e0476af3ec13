package config

import "embed"

const runnerSchemaFile = "schema/runner.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
