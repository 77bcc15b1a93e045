package fetcher

import (
	"testing"

	"github.com/nao1215/consoleharvest/internal/model"
)

func TestStatusClassifier(t *testing.T) {
	t.Parallel()

	strict := StatusClassifier{
		AuthErrorPath:  "error.code",
		AuthErrorCodes: []string{"SESSION_EXPIRED", "40101"},
		RequiredField:  "data",
	}

	tests := []struct {
		name       string
		classifier StatusClassifier
		status     int
		body       string
		want       model.Classification
	}{
		{name: "200 plain", status: 200, body: `[]`, want: model.ClassOK},
		{name: "401", status: 401, want: model.ClassAuthInvalid},
		{name: "403", status: 403, want: model.ClassAuthInvalid},
		{name: "408", status: 408, want: model.ClassTransient},
		{name: "425", status: 425, want: model.ClassTransient},
		{name: "429", status: 429, want: model.ClassTransient},
		{name: "500", status: 500, want: model.ClassTransient},
		{name: "503", status: 503, want: model.ClassTransient},
		{name: "400", status: 400, want: model.ClassFatal},
		{name: "404", status: 404, want: model.ClassFatal},
		{name: "302", status: 302, want: model.ClassFatal},
		{name: "200 with data", classifier: strict, status: 200, body: `{"data":{"items":[]}}`, want: model.ClassOK},
		{name: "200 with auth error code", classifier: strict, status: 200, body: `{"error":{"code":"SESSION_EXPIRED"},"data":null}`, want: model.ClassAuthInvalid},
		{name: "200 with numeric auth code", classifier: strict, status: 200, body: `{"error":{"code":40101},"data":{}}`, want: model.ClassAuthInvalid},
		{name: "200 with unrelated error code", classifier: strict, status: 200, body: `{"error":{"code":"RATE"},"data":{}}`, want: model.ClassOK},
		{name: "200 missing required field", classifier: strict, status: 200, body: `{"message":"please sign in"}`, want: model.ClassAuthInvalid},
		{name: "200 html login page", classifier: strict, status: 200, body: `<html><form action="/login">`, want: model.ClassAuthInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp := &Response{StatusCode: tt.status, Body: []byte(tt.body)}
			if got := tt.classifier.Classify(resp); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	doc, err := decodeJSON([]byte(`{"data":{"items":[{"id":12345678901234567890},{"id":"b"}]},"n":3}`))
	if err != nil {
		t.Fatalf("decodeJSON() error = %v", err)
	}

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{path: "data.items.0.id", want: "12345678901234567890", wantOK: true},
		{path: "data.items.1.id", want: "b", wantOK: true},
		{path: "n", want: "3", wantOK: true},
		{path: "data.items.2.id", wantOK: false},
		{path: "data.missing", wantOK: false},
		{path: "n.deeper", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			v, ok := lookup(doc, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if ok && stringify(v) != tt.want {
				t.Errorf("lookup(%q) = %q, want %q", tt.path, stringify(v), tt.want)
			}
		})
	}
}
