package wandlet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ConfigElementID is the id of the element that carries the page configuration.
const ConfigElementID = "wandlet-config"

// ErrNotConfigured is returned by constructors that were given no configuration.
var ErrNotConfigured = errors.New("wandlet: configuration not loaded")

// ConfigurationError reports a missing or malformed page configuration.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "wandlet configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "wandlet configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configuration is the read-only, page-scoped setup handed to every controller.
type Configuration struct {
	Prompts   []Prompt              `json:"prompts"`
	Endpoints map[ActionName]string `json:"endpoints"`
}

// Prompt returns the prompt with the given id.
func (c *Configuration) Prompt(id string) (Prompt, bool) {
	if c == nil {
		return Prompt{}, false
	}
	for _, p := range c.Prompts {
		if p.ID == id {
			return p, true
		}
	}
	return Prompt{}, false
}

// Endpoint returns the URL configured for an action.
func (c *Configuration) Endpoint(action ActionName) (string, bool) {
	if c == nil {
		return "", false
	}
	url, ok := c.Endpoints[action]
	return url, ok && url != ""
}

// FilterPrompts returns the prompts whose default id is listed.
// With no ids every prompt is returned.
func (c *Configuration) FilterPrompts(defaultIDs ...int) []Prompt {
	if c == nil {
		return nil
	}
	if len(defaultIDs) == 0 {
		return append([]Prompt(nil), c.Prompts...)
	}
	var out []Prompt
	for _, p := range c.Prompts {
		for _, id := range defaultIDs {
			if p.DefaultPromptID == id {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// LoadConfiguration reads the configuration embedded in a page. The page
// must contain an element with id "wandlet-config" whose text is JSON.
func LoadConfiguration(page io.Reader) (*Configuration, error) {
	doc, err := html.Parse(page)
	if err != nil {
		return nil, &ConfigurationError{Reason: "cannot parse page", Err: err}
	}
	el := findByID(doc, ConfigElementID)
	if el == nil {
		return nil, &ConfigurationError{Reason: "element #" + ConfigElementID + " not found"}
	}
	var sb strings.Builder
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return ParseConfiguration([]byte(sb.String()))
}

// ParseConfiguration decodes a raw JSON configuration blob.
func ParseConfiguration(data []byte) (*Configuration, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &ConfigurationError{Reason: "empty configuration"}
	}
	if data[0] != '{' {
		return nil, &ConfigurationError{Reason: "configuration is not a JSON object"}
	}
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigurationError{Reason: "invalid JSON", Err: err}
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = map[ActionName]string{}
	}
	return &cfg, nil
}

// RenderConfigElement writes the script element a page embeds so that
// LoadConfiguration can find it.
func RenderConfigElement(w io.Writer, cfg *Configuration) error {
	if cfg == nil {
		return ErrNotConfigured
	}
	// json.Marshal escapes <, > and & so the payload cannot close the script.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	_, err = fmt.Fprintf(w, "<script id=%q type=\"application/json\">%s</script>", ConfigElementID, data)
	return err
}

func findByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == "id" && a.Val == id {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByID(c, id); found != nil {
			return found
		}
	}
	return nil
}
