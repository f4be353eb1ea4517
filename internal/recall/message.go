package recall

import (
	"strings"
	"time"
)

// Segment is a typed message payload. Seglist segments carry children.
type Segment struct {
	Type     string
	Children []Segment
}

// Message is one entry of a chat's recent history
type Message struct {
	ID       string
	AuthorID string
	Time     time.Time
	IsPicID  bool
	Segment  *Segment

	ProcessedText string
	DisplayText   string
	RawText       string
}

var imageMarkers = []string{"[图片", "[image", "[imageurl", "[picid", "picid:"}

// HasImage checks the explicit flag, then the typed segment, then text
// markers in the rendered content
func (m Message) HasImage() bool {
	if m.IsPicID {
		return true
	}
	if m.Segment != nil {
		if isImageSegment(m.Segment.Type) {
			return true
		}
		if m.Segment.Type == "seglist" {
			for _, child := range m.Segment.Children {
				if isImageSegment(child.Type) {
					return true
				}
			}
		}
	}
	for _, text := range []string{m.ProcessedText, m.DisplayText, m.RawText} {
		for _, marker := range imageMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}

func isImageSegment(t string) bool {
	return t == "image" || t == "imageurl"
}
