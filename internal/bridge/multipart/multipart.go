// Package multipart decodes the multipart/form-data bodies the /send,
// /reply, and /plan/* endpoints accept (spec.md §4.1, §6): a screenshot
// file, a JSON feedback payload field, and zero or more pasted-image files
// keyed by annotation id or by reply. It builds on gin's own multipart
// support (the teacher's chosen HTTP framework, already used for
// c.ShouldBindJSON elsewhere in internal/orchestrator/api/handlers.go)
// rather than a separate dependency.
package multipart

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/popmelt/core-sub002/internal/bridge/bridgeerr"
	"github.com/popmelt/core-sub002/internal/bridge/model"
)

// imageField matches pasted-image form-field names of the shape
// image-<annotationId>-<index> (spec.md §4.1); imageReplyField matches the
// reply-scoped image-reply-<index> variant.
var (
	imageField      = regexp.MustCompile(`^image-(.+)-(\d+)$`)
	imageReplyField = regexp.MustCompile(`^image-reply-(\d+)$`)
)

// Parsed holds the decoded body of a /send, /reply, or /plan/* multipart
// request. Fields only a subset of endpoints populate are documented below.
type Parsed struct {
	Feedback     *model.FeedbackPayload
	Screenshot   []byte
	PastedImages map[string][][]byte // annotation id -> raw image bytes, ordered by index
	ReplyImages  [][]byte            // images attached to a reply, ordered by index
	SourceID     string
	ThreadID     string // set on /reply
	Reply        string // set on /reply
	Color        string
	Provider     string
	Model        string

	// Plan-endpoint fields (/plan, /plan/execute, /plan/review).
	Goal     string
	PageURL  string
	Viewport model.Viewport
	PlanID   string
	Tasks    []model.PlanTask
	Manifest string
}

// Parse reads the multipart body of c's request. requireScreenshot enforces
// spec.md §4.1's rule that the screenshot field is mandatory for endpoints
// that submit one fresh (/send, /plan, /plan/execute, /plan/review); /reply
// passes false since a follow-up need not attach a new screenshot.
func Parse(c *gin.Context, requireScreenshot bool) (*Parsed, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "missing or malformed multipart boundary", err)
	}

	p := &Parsed{
		PastedImages: make(map[string][][]byte),
		SourceID:     firstValue(form.Value["sourceId"]),
		ThreadID:     firstValue(form.Value["threadId"]),
		Reply:        firstValue(form.Value["reply"]),
		Color:        firstValue(form.Value["color"]),
		Provider:     firstValue(form.Value["provider"]),
		Model:        firstValue(form.Value["model"]),
		Goal:         firstValue(form.Value["goal"]),
		PageURL:      firstValue(form.Value["pageUrl"]),
		PlanID:       firstValue(form.Value["planId"]),
		Manifest:     firstValue(form.Value["manifest"]),
	}

	if raw := firstValue(form.Value["feedback"]); raw != "" {
		var fb model.FeedbackPayload
		if err := json.Unmarshal([]byte(raw), &fb); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "unparseable feedback JSON", err)
		}
		p.Feedback = &fb
	}

	if raw := firstValue(form.Value["viewport"]); raw != "" {
		var vp model.Viewport
		if err := json.Unmarshal([]byte(raw), &vp); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "unparseable viewport JSON", err)
		}
		p.Viewport = vp
	}

	if raw := firstValue(form.Value["tasks"]); raw != "" {
		var tasks []model.PlanTask
		if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "unparseable tasks JSON", err)
		}
		p.Tasks = tasks
	}

	if files, ok := form.File["screenshot"]; ok && len(files) > 0 {
		data, err := readFileHeader(files[0])
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "unreadable screenshot", err)
		}
		p.Screenshot = data
	} else if requireScreenshot {
		return nil, bridgeerr.New(bridgeerr.KindInvalidRequest, "screenshot is required")
	}

	byAnnotation := make(map[string][]indexedImage)
	var replyImages []indexedImage

	for field, files := range form.File {
		if m := imageReplyField.FindStringSubmatch(field); m != nil {
			idx, _ := strconv.Atoi(m[1])
			for _, fh := range files {
				data, err := readFileHeader(fh)
				if err != nil {
					return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, "unreadable reply image", err)
				}
				replyImages = append(replyImages, indexedImage{index: idx, data: data})
			}
			continue
		}
		if m := imageField.FindStringSubmatch(field); m != nil {
			annotationID := m[1]
			idx, _ := strconv.Atoi(m[2])
			for _, fh := range files {
				data, err := readFileHeader(fh)
				if err != nil {
					return nil, bridgeerr.Wrap(bridgeerr.KindInvalidRequest, fmt.Sprintf("unreadable pasted image for %s", annotationID), err)
				}
				byAnnotation[annotationID] = append(byAnnotation[annotationID], indexedImage{index: idx, data: data})
			}
		}
	}

	for annotationID, imgs := range byAnnotation {
		sortByIndex(imgs)
		for _, img := range imgs {
			p.PastedImages[annotationID] = append(p.PastedImages[annotationID], img.data)
		}
	}
	sortByIndex(replyImages)
	for _, img := range replyImages {
		p.ReplyImages = append(p.ReplyImages, img.data)
	}

	return p, nil
}

type indexedImage struct {
	index int
	data  []byte
}

func sortByIndex(imgs []indexedImage) {
	for i := 1; i < len(imgs); i++ {
		for j := i; j > 0 && imgs[j-1].index > imgs[j].index; j-- {
			imgs[j-1], imgs[j] = imgs[j], imgs[j-1]
		}
	}
}

func firstValue(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
