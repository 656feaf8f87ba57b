package generate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	wandlet "github.com/Paranoid-AF/wandlet"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	text := c.TextPrompts()
	if len(text) != 4 {
		t.Fatalf("expected 4 text prompts, got %d", len(text))
	}
	for _, feature := range []string{FeatureImageTitle, FeatureImageDescription, FeatureContextualAltText, FeatureContentFeedback} {
		if _, ok := c.Feature(feature); !ok {
			t.Errorf("expected a prompt for feature %s", feature)
		}
	}
	if text[1].ApplyPolicy != wandlet.PolicyAppend {
		t.Errorf("expected completion prompt to append, got %s", text[1].ApplyPolicy)
	}
}

func TestPromptIDStable(t *testing.T) {
	a := PromptID("AI Correction")
	if a != PromptID("AI Correction") {
		t.Error("expected the same id for the same label")
	}
	if a == PromptID("AI Completion") {
		t.Error("expected different ids for different labels")
	}
	p, ok := DefaultCatalog().Get(a)
	if !ok || p.Label != "AI Correction" {
		t.Errorf("expected AI Correction under its derived id, got %+v", p)
	}
}

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(`
[[prompts]]
id = "shout"
label = "Shout"
template = "Rewrite in capitals:"

[[prompts]]
label = "Summarize"
apply_policy = "APPEND"
template = "Summarize this:\n\n{{.Text}}"
`))
	if err != nil {
		t.Fatal(err)
	}
	shout, ok := c.Get("shout")
	if !ok {
		t.Fatal("expected explicit id to be kept")
	}
	if shout.ApplyPolicy != wandlet.PolicyReplace {
		t.Errorf("expected default policy replace, got %s", shout.ApplyPolicy)
	}
	if c.EmbedsText("shout") {
		t.Error("expected shout not to embed text")
	}

	id := PromptID("Summarize")
	sum, _ := c.Get(id)
	if sum.ApplyPolicy != wandlet.PolicyAppend {
		t.Errorf("expected append, got %s", sum.ApplyPolicy)
	}
	if !c.EmbedsText(id) {
		t.Error("expected summarize to embed text")
	}
	got, err := c.Render(id, PromptData{Text: "Long text."})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Summarize this:\n\nLong text." {
		t.Errorf("unexpected render: %q", got)
	}
}

func TestParseCatalogErrors(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"missing label": "[[prompts]]\ntemplate = \"x\"",
		"duplicate":     "[[prompts]]\nlabel = \"A\"\n[[prompts]]\nlabel = \"A\"",
		"bad template":  "[[prompts]]\nlabel = \"A\"\ntemplate = \"{{.Text\"",
		"bad policy":    "[[prompts]]\nlabel = \"A\"\napply_policy = \"merge\"",
	}
	for name, data := range cases {
		if _, err := ParseCatalog([]byte(data)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestEmbedsTextInsideBlocks(t *testing.T) {
	c, err := ParseCatalog([]byte(`
[[prompts]]
label = "Conditional"
template = "{{if .MaxLength}}Short:{{else}}{{.ContentHTML}}{{end}}"
`))
	if err != nil {
		t.Fatal(err)
	}
	if !c.EmbedsText(PromptID("Conditional")) {
		t.Error("expected field inside else branch to be found")
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()

	c, err := LoadCatalog(filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Prompts()) != len(DefaultCatalog().Prompts()) {
		t.Error("expected built-in catalog for a missing file")
	}

	path := filepath.Join(dir, "prompts.toml")
	if err := os.WriteFile(path, []byte("[[prompts]]\nlabel = \"Only\"\ntemplate = \"x\""), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err = LoadCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Prompts()) != 1 {
		t.Errorf("expected 1 prompt, got %d", len(c.Prompts()))
	}

	if err := os.WriteFile(path, []byte("not toml ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err == nil || !strings.Contains(err.Error(), path) {
		t.Errorf("expected error naming the file, got %v", err)
	}
}

func TestCatalogEncodeRoundTrip(t *testing.T) {
	var sb strings.Builder
	if err := DefaultCatalog().Encode(&sb); err != nil {
		t.Fatal(err)
	}
	c, err := ParseCatalog([]byte(sb.String()))
	if err != nil {
		t.Fatalf("expected encoded catalog to parse: %v", err)
	}
	if len(c.Prompts()) != len(DefaultCatalog().Prompts()) {
		t.Errorf("expected %d prompts, got %d", len(DefaultCatalog().Prompts()), len(c.Prompts()))
	}
}

func TestCatalogConfiguration(t *testing.T) {
	endpoints := map[wandlet.ActionName]string{wandlet.ActionTextCompletion: "/text-completion/"}
	cfg := DefaultCatalog().Configuration(endpoints)
	if len(cfg.Prompts) != 4 {
		t.Errorf("expected 4 prompts, got %d", len(cfg.Prompts))
	}
	if got, _ := cfg.Endpoint(wandlet.ActionTextCompletion); got != "/text-completion/" {
		t.Errorf("expected endpoint, got %q", got)
	}
}
