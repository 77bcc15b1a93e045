package model

// BatchResult reports what happened to one batch handed to persistence.
type BatchResult struct {
	// Received is the number of records in the batch.
	Received int `json:"received"`

	// Persisted is the number of records that were new and written.
	Persisted int `json:"persisted"`

	// Anomalies is the number of persisted records routed to alerts.
	Anomalies int `json:"anomalies"`
}
