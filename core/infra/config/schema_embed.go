package config

import "embed"

const workflowsSchemaFile = "schema/workflows.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
