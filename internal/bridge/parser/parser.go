// Package parser extracts and validates tagged structured-output blocks
// from free-form agent text (spec.md §4.5).
package parser

import (
	"encoding/json"
	"regexp"

	"github.com/popmelt/core-sub002/internal/bridge/model"
)

var tagPattern = func(tag string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
}

var (
	resolutionTag = tagPattern("resolution")
	questionTag   = tagPattern("question")
	planTag       = tagPattern("plan")
	reviewTag     = tagPattern("review")
	novelTag      = tagPattern("novel")
	modelTag      = tagPattern("model")
)

// firstBlock returns the contents of the first occurrence of tag in text, and
// whether one was found.
func firstBlock(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// rawResolution mirrors the wire shape of one <resolution> entry before
// validation.
type rawResolution struct {
	AnnotationID  string       `json:"annotationId"`
	Status        string       `json:"status"`
	Summary       string       `json:"summary"`
	FilesTouched  []string     `json:"filesTouched"`
	DeclaredScope *rawScope    `json:"declaredScope"`
	InferredScope *rawScope    `json:"inferredScope"`
	FinalScope    *rawScope    `json:"finalScope"`
}

type rawScope struct {
	Breadth string `json:"breadth"`
	Target  string `json:"target"`
}

func (s *rawScope) toScope() (*model.Scope, bool) {
	if s == nil {
		return nil, true
	}
	breadth := model.ScopeBreadth(s.Breadth)
	target := model.ScopeTarget(s.Target)
	if breadth != model.BreadthInstance && breadth != model.BreadthPattern {
		return nil, false
	}
	if target != model.TargetElement && target != model.TargetComponent && target != model.TargetToken {
		return nil, false
	}
	scope := model.Scope{Breadth: breadth, Target: target}
	if !scope.Valid() {
		return nil, false
	}
	return &scope, true
}

// ParseResolutions extracts and validates the first <resolution> block in
// text. Invalid entries are discarded silently; an all-invalid block yields
// an empty (never nil-erroring) slice.
func ParseResolutions(text string) []model.Resolution {
	block, ok := firstBlock(resolutionTag, text)
	if !ok {
		return nil
	}
	return parseResolutionsBlock(block)
}

func parseResolutionsBlock(block string) []model.Resolution {
	var raws []rawResolution
	if err := json.Unmarshal([]byte(block), &raws); err != nil {
		return []model.Resolution{}
	}

	out := make([]model.Resolution, 0, len(raws))
	for _, r := range raws {
		res, ok := validateResolution(r)
		if !ok {
			continue
		}
		out = append(out, res)
	}
	return out
}

func validateResolution(r rawResolution) (model.Resolution, bool) {
	if r.AnnotationID == "" || r.Summary == "" {
		return model.Resolution{}, false
	}
	status := model.ResolutionStatus(r.Status)
	if status != model.ResolutionResolved && status != model.ResolutionNeedsReview {
		return model.Resolution{}, false
	}
	declared, ok := r.DeclaredScope.toScope()
	if !ok {
		return model.Resolution{}, false
	}
	inferred, ok := r.InferredScope.toScope()
	if !ok {
		return model.Resolution{}, false
	}
	final, ok := r.FinalScope.toScope()
	if !ok {
		return model.Resolution{}, false
	}
	return model.Resolution{
		AnnotationID:  r.AnnotationID,
		Status:        status,
		Summary:       r.Summary,
		FilesTouched:  r.FilesTouched,
		DeclaredScope: declared,
		InferredScope: inferred,
		FinalScope:    final,
	}, true
}

// ParseQuestion extracts the first <question> block's text, if present.
func ParseQuestion(text string) (string, bool) {
	return firstBlock(questionTag, text)
}

type rawPlanTask struct {
	ID          string          `json:"id"`
	Instruction string          `json:"instruction"`
	Region      json.RawMessage `json:"region"`
}

type rawRegion struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ParsePlan extracts and validates the first <plan> block's task list.
func ParsePlan(text string) []model.PlanTask {
	block, ok := firstBlock(planTag, text)
	if !ok {
		return nil
	}

	var raws []rawPlanTask
	if err := json.Unmarshal([]byte(block), &raws); err != nil {
		return []model.PlanTask{}
	}

	out := make([]model.PlanTask, 0, len(raws))
	for _, r := range raws {
		if r.ID == "" || r.Instruction == "" || r.Region == nil {
			continue
		}
		var region rawRegion
		if err := json.Unmarshal(r.Region, &region); err != nil {
			continue
		}
		out = append(out, model.PlanTask{
			ID:          r.ID,
			Instruction: r.Instruction,
			Region: model.PlanTaskRegion{
				X:      region.X,
				Y:      region.Y,
				Width:  region.Width,
				Height: region.Height,
			},
		})
	}
	return out
}

type rawReview struct {
	Verdict string   `json:"verdict"`
	Summary string   `json:"summary"`
	Issues  []string `json:"issues"`
}

// ParseReview extracts and validates the first <review> block.
func ParseReview(text string) (*model.Review, bool) {
	block, ok := firstBlock(reviewTag, text)
	if !ok {
		return nil, false
	}
	var r rawReview
	if err := json.Unmarshal([]byte(block), &r); err != nil {
		return nil, false
	}
	verdict := model.ReviewVerdict(r.Verdict)
	if verdict != model.VerdictPass && verdict != model.VerdictFail {
		return nil, false
	}
	if r.Summary == "" {
		return nil, false
	}
	return &model.Review{Verdict: verdict, Summary: r.Summary, Issues: r.Issues}, true
}

type rawNovelPattern struct {
	Category string `json:"category"`
	Element  string `json:"element"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// ParseNovelPatterns extracts and validates the first <novel> block.
func ParseNovelPatterns(text string) []model.NovelPattern {
	block, ok := firstBlock(novelTag, text)
	if !ok {
		return nil
	}
	var raws []rawNovelPattern
	if err := json.Unmarshal([]byte(block), &raws); err != nil {
		return []model.NovelPattern{}
	}
	out := make([]model.NovelPattern, 0, len(raws))
	for _, r := range raws {
		cat := model.NovelPatternCategory(r.Category)
		if cat != model.NovelCategoryToken && cat != model.NovelCategoryComponent && cat != model.NovelCategoryElement {
			continue
		}
		if r.Element == "" || r.Decision == "" || r.Reason == "" {
			continue
		}
		out = append(out, model.NovelPattern{Category: cat, Element: r.Element, Decision: r.Decision, Reason: r.Reason})
	}
	return out
}

// ParseModel extracts the first <model> block as a raw JSON object, used by
// the materializer (spec.md §4.12).
func ParseModel(text string) (map[string]any, bool) {
	block, ok := firstBlock(modelTag, text)
	if !ok {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(block), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// RemapAnnotationIDs implements the annotation-id remap rule (spec.md §4.5):
// if the job carried a non-empty annotation-id list and none of the returned
// resolutions match any of them, positionally remap resolutions onto the
// original ids. This defends against agents that invent ids instead of
// echoing the prompt's.
func RemapAnnotationIDs(resolutions []model.Resolution, originalIDs []string) []model.Resolution {
	if len(originalIDs) == 0 || len(resolutions) == 0 {
		return resolutions
	}

	known := make(map[string]bool, len(originalIDs))
	for _, id := range originalIDs {
		known[id] = true
	}
	for _, r := range resolutions {
		if known[r.AnnotationID] {
			return resolutions // at least one match; no remap
		}
	}

	remapped := make([]model.Resolution, len(resolutions))
	copy(remapped, resolutions)
	for i := range remapped {
		if i < len(originalIDs) {
			remapped[i].AnnotationID = originalIDs[i]
		}
	}
	return remapped
}
