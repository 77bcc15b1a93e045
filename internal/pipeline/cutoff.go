package pipeline

import (
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
)

// FieldOlderThan returns a CutoffFunc that fires on the first page holding a
// record whose field, parsed with layout, is before limit. Consoles list
// newest first, so everything after that page is older still. Records
// without the field, or with a value that does not parse, never fire.
// An empty layout means RFC 3339.
func FieldOlderThan(field, layout string, limit time.Time) CutoffFunc {
	if layout == "" {
		layout = time.RFC3339
	}
	return func(_ int, p model.Page) bool {
		for _, r := range p.Records {
			v := r.Field(field)
			if v == "" {
				continue
			}
			ts, err := time.Parse(layout, v)
			if err != nil {
				continue
			}
			if ts.Before(limit) {
				return true
			}
		}
		return false
	}
}
