package multipart

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// formBuilder accumulates fields and files for a multipart/form-data body.
type formBuilder struct {
	buf *bytes.Buffer
	w   *multipart.Writer
}

func newFormBuilder() *formBuilder {
	buf := &bytes.Buffer{}
	return &formBuilder{buf: buf, w: multipart.NewWriter(buf)}
}

func (f *formBuilder) field(name, value string) *formBuilder {
	if err := f.w.WriteField(name, value); err != nil {
		panic(err)
	}
	return f
}

func (f *formBuilder) file(field, filename string, data []byte) *formBuilder {
	part, err := f.w.CreateFormFile(field, filename)
	if err != nil {
		panic(err)
	}
	if _, err := part.Write(data); err != nil {
		panic(err)
	}
	return f
}

func (f *formBuilder) context(t *testing.T) *gin.Context {
	t.Helper()
	require.NoError(t, f.w.Close())
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader(f.buf.Bytes()))
	req.Header.Set("Content-Type", f.w.FormDataContentType())
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req
	return c
}

func TestParseRequiresScreenshotWhenMandatory(t *testing.T) {
	c := newFormBuilder().field("goal", "fix the button").context(t)

	_, err := Parse(c, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "screenshot is required")
}

func TestParseAllowsMissingScreenshotWhenOptional(t *testing.T) {
	c := newFormBuilder().field("threadId", "thread-1").field("reply", "looks good").context(t)

	parsed, err := Parse(c, false)
	require.NoError(t, err)
	assert.Empty(t, parsed.Screenshot)
	assert.Equal(t, "thread-1", parsed.ThreadID)
	assert.Equal(t, "looks good", parsed.Reply)
}

func TestParseOrdersPastedImagesByIndexPerAnnotation(t *testing.T) {
	c := newFormBuilder().
		file("screenshot", "shot.png", []byte("shot")).
		file("image-ann1-1", "b.png", []byte("second")).
		file("image-ann1-0", "a.png", []byte("first")).
		file("image-ann2-0", "c.png", []byte("other-annotation")).
		context(t)

	parsed, err := Parse(c, true)
	require.NoError(t, err)
	require.Len(t, parsed.PastedImages["ann1"], 2)
	assert.Equal(t, []byte("first"), parsed.PastedImages["ann1"][0])
	assert.Equal(t, []byte("second"), parsed.PastedImages["ann1"][1])
	require.Len(t, parsed.PastedImages["ann2"], 1)
	assert.Equal(t, []byte("other-annotation"), parsed.PastedImages["ann2"][0])
}

func TestParseOrdersReplyImagesByIndex(t *testing.T) {
	c := newFormBuilder().
		field("threadId", "thread-1").
		file("image-reply-1", "b.png", []byte("second")).
		file("image-reply-0", "a.png", []byte("first")).
		context(t)

	parsed, err := Parse(c, false)
	require.NoError(t, err)
	require.Len(t, parsed.ReplyImages, 2)
	assert.Equal(t, []byte("first"), parsed.ReplyImages[0])
	assert.Equal(t, []byte("second"), parsed.ReplyImages[1])
}

func TestParseRejectsUnparseableFeedbackJSON(t *testing.T) {
	c := newFormBuilder().
		file("screenshot", "shot.png", []byte("shot")).
		field("feedback", "{not json").
		context(t)

	_, err := Parse(c, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable feedback JSON")
}

func TestParseDecodesFeedbackJSON(t *testing.T) {
	c := newFormBuilder().
		file("screenshot", "shot.png", []byte("shot")).
		field("feedback", `{"url":"https://example.com","viewport":{"w":1280,"h":720},"annotations":[{"id":"ann1","type":"comment","instruction":"make it bigger"}]}`).
		context(t)

	parsed, err := Parse(c, true)
	require.NoError(t, err)
	require.NotNil(t, parsed.Feedback)
	assert.Equal(t, "https://example.com", parsed.Feedback.URL)
	require.Len(t, parsed.Feedback.Annotations, 1)
	assert.Equal(t, "ann1", parsed.Feedback.Annotations[0].ID)
}

func TestParseRejectsMalformedBoundary(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/send", bytes.NewReader([]byte("not a multipart body")))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = req

	_, err := Parse(c, false)
	require.Error(t, err)
}
