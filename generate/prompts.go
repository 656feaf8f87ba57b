package generate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	wandlet "github.com/Paranoid-AF/wandlet"
	defaults "github.com/Paranoid-AF/wandlet/default"
)

// Features served by prompts outside of text completion.
const (
	FeatureImageTitle        = "image_title"
	FeatureImageDescription  = "image_description"
	FeatureContextualAltText = "contextual_alt_text"
	FeatureContentFeedback   = "content_feedback"
)

// PromptData holds the data passed to prompt templates.
type PromptData struct {
	Text              string
	ContentHTML       string
	MaxLength         int
	Image             string
	FormContextBefore string
	FormContextAfter  string
	ContentLanguage   string
	EditorLanguage    string
}

var promptFuncs = template.FuncMap{
	"bullet": func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		var sb strings.Builder
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
		return strings.TrimSuffix(sb.String(), "\n")
	},
	"join": func(items []string, sep string) string {
		return strings.Join(items, sep)
	},
}

// contentFields are the template fields that carry the user's text.
var contentFields = []string{"Text", "ContentHTML"}

type catalogEntry struct {
	prompt wandlet.Prompt
	tmpl   *template.Template
	// embedsText is set when the template places the text itself, so the
	// rendered template is the whole request.
	embedsText bool
}

// Catalog is the set of prompts the daemon serves.
type Catalog struct {
	entries []catalogEntry
}

type catalogFile struct {
	Prompts []wandlet.Prompt `toml:"prompts"`
}

// PromptID derives a stable prompt id from its label.
func PromptID(label string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("wandlet:prompt:"+label)).String()
}

// ParseCatalog decodes a TOML prompt catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	if len(f.Prompts) == 0 {
		return nil, errors.New("prompt catalog is empty")
	}

	c := &Catalog{}
	seen := make(map[string]bool)
	for i, p := range f.Prompts {
		if p.Label == "" {
			return nil, fmt.Errorf("prompt %d: missing label", i+1)
		}
		if p.ID == "" {
			p.ID = PromptID(p.Label)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("prompt %q: duplicate id %s", p.Label, p.ID)
		}
		seen[p.ID] = true
		if p.ApplyPolicy == "" {
			p.ApplyPolicy = wandlet.PolicyReplace
		}
		p.Template = strings.TrimSpace(p.Template)
		t, err := template.New(p.ID).Funcs(promptFuncs).Option("missingkey=error").Parse(p.Template)
		if err != nil {
			return nil, fmt.Errorf("prompt %q: %w", p.Label, err)
		}
		c.entries = append(c.entries, catalogEntry{
			prompt:     p,
			tmpl:       t,
			embedsText: usesField(t.Tree.Root, contentFields...),
		})
	}
	return c, nil
}

// DefaultCatalog returns the built-in prompts.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaults.DefaultPromptsTOML)
	if err != nil {
		panic("wandlet: invalid embedded default_prompts.toml: " + err.Error())
	}
	return c
}

// LoadCatalog reads the catalog at path, or the built-in one when the file
// does not exist.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no prompt catalog, using built-in prompts", "path", path)
		return DefaultCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("loaded prompt catalog", "path", path, "prompts", len(c.entries))
	return c, nil
}

func (c *Catalog) entry(id string) (catalogEntry, bool) {
	for _, e := range c.entries {
		if e.prompt.ID == id {
			return e, true
		}
	}
	return catalogEntry{}, false
}

// Get returns the prompt with the given id.
func (c *Catalog) Get(id string) (wandlet.Prompt, bool) {
	e, ok := c.entry(id)
	return e.prompt, ok
}

// Feature returns the first prompt serving feature.
func (c *Catalog) Feature(feature string) (wandlet.Prompt, bool) {
	for _, e := range c.entries {
		if e.prompt.Feature == feature {
			return e.prompt, true
		}
	}
	return wandlet.Prompt{}, false
}

// Prompts returns every prompt in catalog order.
func (c *Catalog) Prompts() []wandlet.Prompt {
	out := make([]wandlet.Prompt, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.prompt
	}
	return out
}

// TextPrompts returns the prompts offered on text fields and editors.
func (c *Catalog) TextPrompts() []wandlet.Prompt {
	var out []wandlet.Prompt
	for _, e := range c.entries {
		if e.prompt.Feature == "" {
			out = append(out, e.prompt)
		}
	}
	return out
}

// EmbedsText reports whether the template of prompt id places the text itself.
func (c *Catalog) EmbedsText(id string) bool {
	e, _ := c.entry(id)
	return e.embedsText
}

// Render executes the template of prompt id.
func (c *Catalog) Render(id string, data PromptData) (string, error) {
	e, ok := c.entry(id)
	if !ok {
		return "", fmt.Errorf("unknown prompt %s", id)
	}
	var buf strings.Builder
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", e.prompt.Label, err)
	}
	return strings.TrimRight(buf.String(), " \t\n"), nil
}

// Configuration builds the page configuration offering the text prompts.
func (c *Catalog) Configuration(endpoints map[wandlet.ActionName]string) *wandlet.Configuration {
	return &wandlet.Configuration{Prompts: c.TextPrompts(), Endpoints: endpoints}
}

// Encode writes the catalog as TOML.
func (c *Catalog) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(catalogFile{Prompts: c.Prompts()}); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// usesField reports whether the template tree references one of fields.
func usesField(node parse.Node, fields ...string) bool {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return false
		}
		for _, child := range n.Nodes {
			if usesField(child, fields...) {
				return true
			}
		}
	case *parse.ActionNode:
		return usesField(n.Pipe, fields...)
	case *parse.PipeNode:
		if n == nil {
			return false
		}
		for _, cmd := range n.Cmds {
			for _, arg := range cmd.Args {
				if usesField(arg, fields...) {
					return true
				}
			}
		}
	case *parse.FieldNode:
		for _, f := range fields {
			if len(n.Ident) > 0 && n.Ident[0] == f {
				return true
			}
		}
	case *parse.IfNode:
		return usesField(n.Pipe, fields...) || usesField(n.List, fields...) || usesField(n.ElseList, fields...)
	case *parse.RangeNode:
		return usesField(n.Pipe, fields...) || usesField(n.List, fields...) || usesField(n.ElseList, fields...)
	case *parse.WithNode:
		return usesField(n.Pipe, fields...) || usesField(n.List, fields...) || usesField(n.ElseList, fields...)
	}
	return false
}
