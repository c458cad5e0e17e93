package model

// Viewport is the browser viewport size at capture time.
type Viewport struct {
	W int `json:"w"`
	H int `json:"h"`
}

// ScrollPosition is the page scroll offset at capture time.
type ScrollPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementDescriptor identifies one DOM element a piece of feedback targets.
type ElementDescriptor struct {
	Selector string `json:"selector"`
	TagName  string `json:"tagName,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Annotation is a single piece of developer feedback attached to one or more
// DOM elements (spec.md GLOSSARY).
type Annotation struct {
	ID                string              `json:"id"`
	Type              string              `json:"type"`
	Instruction       string              `json:"instruction,omitempty"`
	LinkedSelector    string              `json:"linkedSelector,omitempty"`
	PastedImageCount  int                 `json:"pastedImageCount,omitempty"`
	Elements          []ElementDescriptor `json:"elements"`
}

// PropertyChange is one before/after CSS property edit within a style
// modification.
type PropertyChange struct {
	Property string `json:"property"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// StyleModification is a live preview style edit tied to one element.
type StyleModification struct {
	Selector  string             `json:"selector"`
	Element   ElementDescriptor  `json:"element"`
	Changes   []PropertyChange   `json:"changes"`
}

// SpacingTokenChange records an edit to a design-token-backed spacing value.
type SpacingTokenChange struct {
	Token    string `json:"token"`
	Original string `json:"original"`
	Modified string `json:"modified"`
}

// FeedbackPayload is the JSON document submitted alongside a screenshot
// (spec.md §6).
type FeedbackPayload struct {
	Timestamp           string               `json:"timestamp"`
	URL                 string               `json:"url"`
	Viewport            Viewport             `json:"viewport"`
	ScrollPosition      ScrollPosition        `json:"scrollPosition"`
	Annotations         []Annotation         `json:"annotations"`
	StyleModifications  []StyleModification  `json:"styleModifications,omitempty"`
	InspectedElement    *ElementDescriptor   `json:"inspectedElement,omitempty"`
	SpacingTokenChanges []SpacingTokenChange `json:"spacingTokenChanges,omitempty"`
}

// AnnotationIDs returns the ids of every annotation in the payload, in order.
func (f *FeedbackPayload) AnnotationIDs() []string {
	if f == nil {
		return nil
	}
	ids := make([]string, 0, len(f.Annotations))
	for _, a := range f.Annotations {
		ids = append(ids, a.ID)
	}
	return ids
}

// ElementIdentifiers returns every element selector referenced anywhere in
// the payload — by annotations, their linked selector, and style
// modifications — used by the thread store's continuation matching
// (spec.md §4.3).
func (f *FeedbackPayload) ElementIdentifiers() []string {
	if f == nil {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}

	for _, a := range f.Annotations {
		add(a.LinkedSelector)
		for _, el := range a.Elements {
			add(el.Selector)
		}
	}
	for _, sm := range f.StyleModifications {
		add(sm.Selector)
		add(sm.Element.Selector)
	}
	if f.InspectedElement != nil {
		add(f.InspectedElement.Selector)
	}
	return ids
}
