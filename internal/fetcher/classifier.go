package fetcher

import (
	"net/http"

	"github.com/nao1215/consoleharvest/internal/model"
)

// StatusClassifier classifies HTTP responses from JSON consoles.
//
// Status codes decide first: 401 and 403 are AUTH_INVALID; 408, 425, 429
// and 5xx are TRANSIENT; any other non-2xx status is FATAL. A 2xx response
// can still be an authentication failure: some consoles answer an expired
// session with 200 and an error code in the body, or with a login page.
type StatusClassifier struct {
	// AuthErrorPath is the dotted path of an error code in the body.
	AuthErrorPath string

	// AuthErrorCodes are the values at AuthErrorPath that mean the
	// session is no longer valid.
	AuthErrorCodes []string

	// RequiredField is a dotted path that every genuine data response
	// contains. Its absence means the console served something else.
	RequiredField string
}

// Classify implements the PageFetcher classification step.
func (c StatusClassifier) Classify(resp *Response) model.Classification {
	if resp == nil {
		return model.ClassTransient
	}

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return model.ClassAuthInvalid
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return model.ClassTransient
	case code < http.StatusOK || code >= http.StatusMultipleChoices:
		return model.ClassFatal
	}

	if c.AuthErrorPath == "" && c.RequiredField == "" {
		return model.ClassOK
	}

	doc, err := decodeJSON(resp.Body)
	if err != nil {
		// An HTML login page instead of JSON.
		if c.RequiredField != "" {
			return model.ClassAuthInvalid
		}
		return model.ClassOK
	}

	if c.AuthErrorPath != "" {
		if v, ok := lookup(doc, c.AuthErrorPath); ok {
			code := stringify(v)
			for _, authCode := range c.AuthErrorCodes {
				if code == authCode {
					return model.ClassAuthInvalid
				}
			}
		}
	}

	if c.RequiredField != "" {
		if _, ok := lookup(doc, c.RequiredField); !ok {
			return model.ClassAuthInvalid
		}
	}

	return model.ClassOK
}
