package action

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"testing"
	"time"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/extract"
)

type fakePanel struct {
	maxForms  int
	chosen    []string
	suggested []wandlet.SuggestionItem
}

func (p *fakePanel) AddItem(item wandlet.SuggestionItem) { p.suggested = append(p.suggested, item) }

func (p *fakePanel) ClearSuggested() int {
	n := len(p.suggested)
	p.suggested = nil
	return n
}

func (p *fakePanel) ChildCount() int { return len(p.chosen) + len(p.suggested) }
func (p *fakePanel) MaxForms() int   { return p.maxForms }

func (p *fakePanel) ChildIDs() []string {
	ids := slices.Clone(p.chosen)
	for _, item := range p.suggested {
		ids = append(ids, item.ID)
	}
	return ids
}

func pageSource(text string) extract.Source {
	return extract.SourceFunc(func(context.Context) (*extract.Content, error) {
		return &extract.Content{Text: text}, nil
	})
}

func decodeSuggestion(t *testing.T, r *http.Request) wandlet.SuggestionArguments {
	t.Helper()
	var req wandlet.ArgumentsRequest[wandlet.SuggestionArguments]
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return req.Arguments
}

func TestChooserSuggest(t *testing.T) {
	var got []wandlet.SuggestionArguments
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/similar-content/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		args := decodeSuggestion(t, r)
		got = append(got, args)
		items := []wandlet.SuggestionItem{{ID: "10", Title: "Ten"}, {ID: "11", Title: "Eleven"}}
		if len(got) > 1 {
			items = []wandlet.SuggestionItem{{ID: "12", Title: "Twelve"}}
		}
		json.NewEncoder(w).Encode(wandlet.DataResponse[[]wandlet.SuggestionItem]{Data: items})
	})
	panel := &fakePanel{maxForms: 5, chosen: []string{"3"}}
	cc, err := NewChooserController(c, panel, ChooserOptions{
		Action:        wandlet.ActionSimilarContent,
		VectorIndex:   "PageIndex",
		CurrentPagePK: "1",
		Source:        pageSource("A page about tea"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if st := cc.Suggest(context.Background()); st.State != StateSuggested {
		t.Fatalf("expected suggested, got %+v", st)
	}
	if len(panel.suggested) != 2 {
		t.Fatalf("expected 2 suggested forms, got %d", len(panel.suggested))
	}
	first := got[0]
	if first.Content != "A page about tea" || first.VectorIndex != "PageIndex" || first.Limit != 3 {
		t.Errorf("unexpected arguments %+v", first)
	}
	if !slices.Equal(first.ExcludePKs, []string{"1", "3"}) {
		t.Errorf("expected exclude [1 3], got %v", first.ExcludePKs)
	}

	cc.Suggest(context.Background())
	second := got[1]
	for _, id := range []string{"1", "3", "10", "11"} {
		if !slices.Contains(second.ExcludePKs, id) {
			t.Errorf("expected %s excluded, got %v", id, second.ExcludePKs)
		}
	}
	if len(panel.suggested) != 1 || panel.suggested[0].ID != "12" {
		t.Errorf("expected previous suggestions replaced, got %+v", panel.suggested)
	}
	if !slices.Equal(cc.Seen(), []string{"10", "11", "12"}) {
		t.Errorf("unexpected seen ids %v", cc.Seen())
	}

	cc.Clear()
	if len(cc.Seen()) != 0 || len(panel.suggested) != 0 || cc.Status().State != StateIdle {
		t.Errorf("expected clear to reset everything, got seen=%v panel=%v state=%s", cc.Seen(), panel.suggested, cc.Status().State)
	}
}

func TestChooserLimitClampedToFreeForms(t *testing.T) {
	var limit int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		limit = decodeSuggestion(t, r).Limit
		json.NewEncoder(w).Encode(wandlet.DataResponse[[]wandlet.SuggestionItem]{Data: []wandlet.SuggestionItem{{ID: "9"}}})
	})
	panel := &fakePanel{maxForms: 4, chosen: []string{"1", "2"}}
	cc, _ := NewChooserController(c, panel, ChooserOptions{Limit: 5, Source: pageSource("x")})
	cc.Suggest(context.Background())
	if limit != 2 {
		t.Errorf("expected limit 2, got %d", limit)
	}
}

func TestChooserFullPanelIsNoMore(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	panel := &fakePanel{maxForms: 2, chosen: []string{"1", "2"}}
	cc, _ := NewChooserController(c, panel, ChooserOptions{Source: pageSource("x")})

	if cc.CanSuggest() {
		t.Error("expected suggest disabled on a full panel")
	}
	if st := cc.Suggest(context.Background()); st.State != StateNoMore {
		t.Errorf("expected no more, got %s", st.State)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no request, got %d", calls.Load())
	}
}

func TestChooserEmptyResultIsNoMore(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	cc, _ := NewChooserController(c, &fakePanel{}, ChooserOptions{Source: pageSource("x")})
	if st := cc.Suggest(context.Background()); st.State != StateNoMore {
		t.Errorf("expected no more, got %s", st.State)
	}
	if cc.CanSuggest() {
		t.Error("expected suggest disabled after no more")
	}
}

func TestChooserNoContent(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	cc, _ := NewChooserController(c, &fakePanel{}, ChooserOptions{})
	st := cc.Suggest(context.Background())
	if st.State != StateError || st.Message != extract.ErrNoContent.Error() {
		t.Errorf("unexpected status %+v", st)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no request, got %d", calls.Load())
	}
}

func TestChooserDelayCancelled(t *testing.T) {
	c, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	cc, _ := NewChooserController(c, &fakePanel{}, ChooserOptions{Delay: time.Hour, Source: pageSource("x")})

	done := make(chan Status)
	go func() { done <- cc.Suggest(context.Background()) }()
	for cc.Status().State != StateLoading {
		time.Sleep(time.Millisecond)
	}
	cc.Cancel()

	select {
	case st := <-done:
		if st.State != StateIdle {
			t.Errorf("expected idle, got %s", st.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("suggest did not return after cancel")
	}
	if calls.Load() != 0 {
		t.Errorf("expected no request, got %d", calls.Load())
	}
}

func TestFeedbackController(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req wandlet.ArgumentsRequest[wandlet.FeedbackArguments]
		json.NewDecoder(r.Body).Decode(&req)
		if req.Arguments.ContentHTML != "<p>Teh tea.</p>" || req.Arguments.ContentLanguage != "en" || req.Arguments.EditorLanguage != "English" {
			t.Errorf("unexpected arguments %+v", req.Arguments)
		}
		json.NewEncoder(w).Encode(wandlet.DataResponse[*wandlet.FeedbackResult]{Data: &wandlet.FeedbackResult{
			QualityScore:        2,
			QualitativeFeedback: []string{"Short.", "Typos.", "Clear."},
			SpecificImprovements: []wandlet.Improvement{
				{OriginalText: "Teh tea.", SuggestedText: "The tea.", Explanation: "Typo."},
				{OriginalText: "missing", SuggestedText: "x", Explanation: "y"},
			},
		}})
	})
	src := extract.SourceFunc(func(context.Context) (*extract.Content, error) {
		return &extract.Content{Text: "Teh tea.", HTML: "<p>Teh tea.</p>", Lang: "en"}, nil
	})
	fc, err := NewFeedbackController(c, src, "English")
	if err != nil {
		t.Fatal(err)
	}
	if fc.StatusMarker() != "" {
		t.Error("expected no marker before a result")
	}

	if st := fc.Request(context.Background()); st.State != StateSuggested {
		t.Fatalf("expected suggested, got %+v", st)
	}
	if fc.StatusMarker() != "🟠" {
		t.Errorf("expected orange marker, got %q", fc.StatusMarker())
	}
	if len(fc.Feedback()) != 3 {
		t.Errorf("expected 3 feedback lines, got %v", fc.Feedback())
	}

	texts := []string{"Intro", "  Teh\n tea. More "}
	if i := fc.Locate(texts, 0); i != 1 {
		t.Errorf("expected improvement in text 1, got %d", i)
	}
	if i := fc.Locate(texts, 1); i != -1 {
		t.Errorf("expected unlocated improvement, got %d", i)
	}

	fc.Dismiss(0)
	imps := fc.Improvements()
	if _, ok := imps[0]; ok || len(imps) != 1 {
		t.Errorf("expected only improvement 1 left, got %v", imps)
	}

	fc.Clear()
	if fc.Result() != nil || fc.Status().State != StateIdle {
		t.Error("expected clear to drop the result")
	}
}

func TestFeedbackControllerServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	fc, _ := NewFeedbackController(c, pageSource("x"), "")
	st := fc.Request(context.Background())
	if st.State != StateError || st.Message != "Error fetching AI response: 502 Bad Gateway" {
		t.Errorf("unexpected status %+v", st)
	}
}
