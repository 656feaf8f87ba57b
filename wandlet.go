// Package wandlet defines the shared types of the wandlet writing assistant:
// prompts, the page configuration and the JSON bodies exchanged between the
// editing host and the wandletd daemon.
package wandlet

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionName identifies a server endpoint in the page configuration.
type ActionName string

const (
	ActionTextCompletion   ActionName = "TEXT_COMPLETION"
	ActionDescribeImage    ActionName = "DESCRIBE_IMAGE"
	ActionContentFeedback  ActionName = "CONTENT_FEEDBACK"
	ActionSimilarContent   ActionName = "SIMILAR_CONTENT"
	ActionSuggestedContent ActionName = "SUGGESTED_CONTENT"
)

// SessionHeader names the editing session a request belongs to. The daemon
// cancels an in-flight request when a newer one arrives for the same session
// and action.
const SessionHeader = "X-Wandlet-Session"

// ApplyPolicy decides how a suggestion is merged into its target.
type ApplyPolicy string

const (
	// PolicyAppend places the suggestion after the existing content.
	PolicyAppend ApplyPolicy = "append"
	// PolicyReplace substitutes the whole content with the suggestion.
	PolicyReplace ApplyPolicy = "replace"
)

// ParseApplyPolicy accepts "append"/"replace" in any case.
func ParseApplyPolicy(s string) (ApplyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "append":
		return PolicyAppend, nil
	case "replace":
		return PolicyReplace, nil
	}
	return "", fmt.Errorf("unknown apply policy %q", s)
}

func (p *ApplyPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseApplyPolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p *ApplyPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseApplyPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Default prompt identifiers shipped with the daemon. Prompts created by
// administrators carry no default id.
const (
	DefaultPromptCorrection  = 1
	DefaultPromptCompletion  = 2
	DefaultPromptDescription = 3
	DefaultPromptTitle       = 4
	DefaultPromptImageTitle  = 5
)

// Prompt is a named instruction the user can pick for a field.
type Prompt struct {
	ID              string      `json:"id" toml:"id"`
	Label           string      `json:"label" toml:"label"`
	Description     string      `json:"description" toml:"description"`
	Template        string      `json:"template" toml:"template"`
	ApplyPolicy     ApplyPolicy `json:"applyPolicy" toml:"apply_policy"`
	DefaultPromptID int         `json:"defaultPromptId,omitempty" toml:"default_prompt_id,omitempty"`
	// Feature names a daemon feature (image description, feedback) the
	// template is used for instead of text completion.
	Feature string `json:"feature,omitempty" toml:"feature,omitempty"`
}

// RequiresContent reports whether the prompt works on the extracted page
// content rather than on the value of the field it is invoked from.
func (p Prompt) RequiresContent() bool {
	return p.DefaultPromptID == DefaultPromptDescription || p.DefaultPromptID == DefaultPromptTitle
}

// Response is the body returned by text-producing endpoints.
type Response struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SuggestionItem is one page returned by the similar/suggested content endpoints.
type SuggestionItem struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	EditURL string `json:"editUrl"`
}

// SuggestionArguments is sent to the similar/suggested content endpoints.
type SuggestionArguments struct {
	VectorIndex   string   `json:"vector_index"`
	CurrentPagePK string   `json:"current_page_pk,omitempty"`
	ExcludePKs    []string `json:"exclude_pks,omitempty"`
	Content       string   `json:"content"`
	Limit         int      `json:"limit"`
	ChunkSize     int      `json:"chunk_size,omitempty"`
}

// FeedbackArguments is sent to the content feedback endpoint.
type FeedbackArguments struct {
	ContentText     string `json:"content_text"`
	ContentHTML     string `json:"content_html"`
	ContentLanguage string `json:"content_language,omitempty"`
	EditorLanguage  string `json:"editor_language,omitempty"`
}

// Improvement is a concrete rewrite proposed by content feedback.
type Improvement struct {
	OriginalText  string `json:"originalText"`
	SuggestedText string `json:"suggestedText"`
	Explanation   string `json:"explanation"`
}

// FeedbackResult is the structured answer of the content feedback endpoint.
type FeedbackResult struct {
	// QualityScore ranges from 1 (poor) to 3 (good).
	QualityScore         int           `json:"qualityScore"`
	QualitativeFeedback  []string      `json:"qualitativeFeedback"`
	SpecificImprovements []Improvement `json:"specificImprovements"`
}

// ArgumentsRequest wraps the body posted to the JSON endpoints.
type ArgumentsRequest[T any] struct {
	Arguments T `json:"arguments"`
}

// DataResponse wraps the body returned by the JSON endpoints.
type DataResponse[T any] struct {
	Data  T      `json:"data"`
	Error string `json:"error,omitempty"`
}
