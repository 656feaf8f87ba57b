// Package defaults provides embedded default assets (settings, prompt catalog
// and the content feedback schema).
package defaults

import _ "embed"

//go:embed default_settings.toml
var DefaultSettingsTOML []byte

//go:embed default_prompts.toml
var DefaultPromptsTOML []byte

//go:embed feedback_schema.json
var FeedbackSchemaJSON []byte
