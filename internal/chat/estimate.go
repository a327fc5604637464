package chat

import (
	"unicode/utf8"

	"github.com/messenger/client/internal/model"
)

// EstimatorParams parameterize the row-height heuristic so the virtualized
// list host can size rows without measuring rendered output, and tests need
// no rendering harness.
type EstimatorParams struct {
	BaseHeight   int
	MediaHeight  int // extra for an image/voice message
	FileHeight   int // extra for a file attachment row
	ReplyHeight  int // extra when the message quotes a reply
	LineHeight   int
	CharsPerLine int
}

func DefaultEstimatorParams() EstimatorParams {
	return EstimatorParams{
		BaseHeight:   48,
		MediaHeight:  150,
		FileHeight:   30,
		ReplyHeight:  40,
		LineHeight:   20,
		CharsPerLine: 40,
	}
}

// EstimateRowHeight is a pure function of the message: base height, plus the
// per-type offset, plus wrapped text lines, plus the reply quote block.
// Monotonic in content length.
func EstimateRowHeight(m *model.Message, p EstimatorParams) int {
	h := p.BaseHeight
	switch m.ContentType {
	case model.ContentTypeImage, model.ContentTypeVoice:
		h += p.MediaHeight
	case model.ContentTypeFile:
		h += p.FileHeight
	}
	if n := utf8.RuneCountInString(m.Content); n > 0 {
		lines := (n + p.CharsPerLine - 1) / p.CharsPerLine
		h += lines * p.LineHeight
	}
	if m.ReplyToID != nil && *m.ReplyToID != "" {
		h += p.ReplyHeight
	}
	return h
}

// RowHeight estimates with this controller's parameters.
func (c *Controller) RowHeight(m *model.Message) int {
	return EstimateRowHeight(m, c.estimator)
}
