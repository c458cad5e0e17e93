package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

func TestParseResolutionsValid(t *testing.T) {
	text := `Here's what I did.
<resolution>[{"annotationId":"a1","status":"resolved","summary":"made it red"}]</resolution>
Done.`

	got := ParseResolutions(text)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AnnotationID)
	assert.Equal(t, model.ResolutionResolved, got[0].Status)
}

func TestParseResolutionsMalformedJSONYieldsEmptyNotError(t *testing.T) {
	text := `<resolution>{not valid json</resolution><question>Which element?</question>`

	res := ParseResolutions(text)
	assert.Empty(t, res)

	q, ok := ParseQuestion(text)
	require.True(t, ok)
	assert.Equal(t, "Which element?", q)
}

func TestParseResolutionsDiscardsInvalidEntriesSilently(t *testing.T) {
	text := `<resolution>[
		{"annotationId":"a1","status":"resolved","summary":"ok"},
		{"annotationId":"","status":"resolved","summary":"missing id"},
		{"annotationId":"a2","status":"bogus","summary":"bad status"},
		{"annotationId":"a3","status":"resolved","summary":"bad scope","declaredScope":{"breadth":"instance","target":"token"}}
	]</resolution>`

	got := ParseResolutions(text)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].AnnotationID)
}

func TestScopeValidRejectsInstanceToken(t *testing.T) {
	s := model.Scope{Breadth: model.BreadthInstance, Target: model.TargetToken}
	assert.False(t, s.Valid())

	s2 := model.Scope{Breadth: model.BreadthPattern, Target: model.TargetToken}
	assert.True(t, s2.Valid())
}

func TestParsePlan(t *testing.T) {
	text := `<plan>[{"id":"t1","instruction":"tighten padding","region":{"x":0,"y":0,"width":100,"height":50}}]</plan>`

	tasks := ParsePlan(text)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)
	assert.Equal(t, 100.0, tasks[0].Region.Width)
}

func TestParseReview(t *testing.T) {
	text := `<review>{"verdict":"pass","summary":"ok"}</review>`
	review, ok := ParseReview(text)
	require.True(t, ok)
	assert.Equal(t, model.VerdictPass, review.Verdict)
}

func TestParseReviewRejectsBadVerdict(t *testing.T) {
	text := `<review>{"verdict":"maybe","summary":"ok"}</review>`
	_, ok := ParseReview(text)
	assert.False(t, ok)
}

func TestParseNovelPatterns(t *testing.T) {
	text := `<novel>[{"category":"token","element":"div.card","decision":"used 14px","reason":"no existing token fit"}]</novel>`
	patterns := ParseNovelPatterns(text)
	require.Len(t, patterns, 1)
	assert.Equal(t, model.NovelCategoryToken, patterns[0].Category)
}

func TestParseModel(t *testing.T) {
	text := `<model>{"tokens":{"spacing-sm":"4px"}}</model>`
	obj, ok := ParseModel(text)
	require.True(t, ok)
	assert.Contains(t, obj, "tokens")
}

func TestRoundTripAllTags(t *testing.T) {
	text := `<resolution>[{"annotationId":"a1","status":"resolved","summary":"s"}]</resolution>` +
		`<question>q?</question>` +
		`<plan>[{"id":"t1","instruction":"i","region":{"x":1,"y":2,"width":3,"height":4}}]</plan>` +
		`<review>{"verdict":"fail","summary":"s","issues":["x"]}</review>` +
		`<novel>[{"category":"component","element":"e","decision":"d","reason":"r"}]</novel>` +
		`<model>{"k":"v"}</model>`

	resolutions := ParseResolutions(text)
	question, hasQuestion := ParseQuestion(text)
	tasks := ParsePlan(text)
	review, hasReview := ParseReview(text)
	novel := ParseNovelPatterns(text)
	m, hasModel := ParseModel(text)

	require.Len(t, resolutions, 1)
	require.True(t, hasQuestion)
	require.Len(t, tasks, 1)
	require.True(t, hasReview)
	require.Len(t, novel, 1)
	require.True(t, hasModel)

	assert.Equal(t, "q?", question)
	assert.Equal(t, model.VerdictFail, review.Verdict)
	assert.Equal(t, []string{"x"}, review.Issues)
	assert.Equal(t, "v", m["k"])
}

func TestRemapAnnotationIDs(t *testing.T) {
	original := []string{"a1", "a2"}

	invented := []model.Resolution{
		{AnnotationID: "made-up-1", Summary: "x", Status: model.ResolutionResolved},
		{AnnotationID: "made-up-2", Summary: "y", Status: model.ResolutionResolved},
	}
	remapped := RemapAnnotationIDs(invented, original)
	require.Len(t, remapped, 2)
	assert.Equal(t, "a1", remapped[0].AnnotationID)
	assert.Equal(t, "a2", remapped[1].AnnotationID)

	matching := []model.Resolution{
		{AnnotationID: "a2", Summary: "x", Status: model.ResolutionResolved},
	}
	unchanged := RemapAnnotationIDs(matching, original)
	assert.Equal(t, "a2", unchanged[0].AnnotationID)
}

func TestIncrementalResolutionParser(t *testing.T) {
	p := NewIncrementalResolutionParser()

	buf := `<resolution>[{"annotationId":"a1","status":"resolved","summary":"s1"}]</resolution>`
	first := p.ParseNewSince(buf)
	require.Len(t, first, 1)
	assert.Equal(t, "a1", first[0].AnnotationID)

	// Same buffer again: nothing new.
	again := p.ParseNewSince(buf)
	assert.Empty(t, again)

	buf2 := `<resolution>[{"annotationId":"a1","status":"resolved","summary":"s1"},{"annotationId":"a2","status":"needs_review","summary":"s2"}]</resolution>`
	second := p.ParseNewSince(buf2)
	require.Len(t, second, 1)
	assert.Equal(t, "a2", second[0].AnnotationID)
}
