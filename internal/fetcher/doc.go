// Package fetcher retrieves pages of records from an administrative console
// and classifies every response.
//
// A PageFetcher is split into three steps so that orchestration never looks
// at raw HTTP details:
//
//   - Fetch performs the request with the caller's session.
//   - Classify maps the raw response to a model.Classification.
//   - Parse turns an OK response into a model.Page.
//
// Attempt runs the three steps and converts every failure, including
// transport errors and parse errors, into an Outcome. Only the Outcome's
// classification is used by the harvesters to decide what happens next.
//
// HTTPJSON is the generic adapter for JSON consoles. Platform-specific
// behavior is expressed through HTTPJSONOptions (paths, parameters,
// credential placement) rather than code.
package fetcher
