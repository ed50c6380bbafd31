// Package schemas holds the JSON Schemas for job payloads and inbound webhooks.
package schemas

import "embed"

// FS contains every *.schema.json file in this directory.
//
//go:embed *.schema.json
var FS embed.FS
