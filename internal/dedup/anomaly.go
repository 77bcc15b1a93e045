package dedup

import (
	"strconv"
	"strings"

	"github.com/nao1215/consoleharvest/internal/model"
)

// Predicate is a business rule over one record. It returns true for
// records that should be routed to an alert channel.
type Predicate func(model.Record) bool

// DetectAnomalous returns the records matching pred, in input order.
func DetectAnomalous(records []model.Record, pred Predicate) []model.Record {
	if pred == nil {
		return nil
	}
	var out []model.Record
	for _, r := range records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// DetectAnomalous runs pred over a just-persisted batch.
func (s *Store) DetectAnomalous(records []model.Record, pred Predicate) []model.Record {
	anomalies := DetectAnomalous(records, pred)
	if len(anomalies) > 0 {
		s.logger.Debug("anomalies detected", "count", len(anomalies), "batch", len(records))
	}
	return anomalies
}

// QuantityMismatch flags records whose delivered and received quantities
// differ. Records where either field is missing or not numeric are not flagged.
func QuantityMismatch(deliveredField, receivedField string) Predicate {
	return func(r model.Record) bool {
		delivered, ok := number(r, deliveredField)
		if !ok {
			return false
		}
		received, ok := number(r, receivedField)
		if !ok {
			return false
		}
		return delivered != received
	}
}

// FieldBelow flags records whose numeric field is below min.
func FieldBelow(field string, minimum float64) Predicate {
	return func(r model.Record) bool {
		v, ok := number(r, field)
		return ok && v < minimum
	}
}

// Any flags records matching at least one predicate.
func Any(preds ...Predicate) Predicate {
	return func(r model.Record) bool {
		for _, p := range preds {
			if p != nil && p(r) {
				return true
			}
		}
		return false
	}
}

func number(r model.Record, field string) (float64, bool) {
	raw := strings.TrimSpace(r.Field(field))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
