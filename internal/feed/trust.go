package feed

import (
	"encoding/json"
)

var trustEvents = map[string]string{
	"0001": "activation",
	"0002": "cancellation",
	"0003": "movement",
	"0004": "unidentified",
	"0005": "reinstatement",
	"0006": "change_of_origin",
	"0007": "change_of_identity",
	"0008": "change_of_location",
}

type trustElement struct {
	Header trustHeader     `json:"header"`
	Body   json.RawMessage `json:"body"`
}

type trustHeader struct {
	MsgType            string `json:"msg_type" validate:"required,oneof=0001 0002 0003 0004 0005 0006 0007 0008"`
	SourceDevID        string `json:"source_dev_id"`
	SourceSystemID     string `json:"source_system_id"`
	OriginalDataSource string `json:"original_data_source"`
	MsgQueueTimestamp  string `json:"msg_queue_timestamp" validate:"omitempty,numeric"`
}

type trustBody struct {
	TrainID string `json:"train_id" validate:"required,len=10,alphanum"`
	TocID   string `json:"toc_id" validate:"omitempty,numeric"`
}

type trustRecord struct {
	Header trustHeader `json:"header"`
	Body   trustBody   `json:"body"`
}

// ParseTrust splits a TRUST train movement frame, a JSON array of
// {"header": {...}, "body": {...}} objects, into one result per element.
func ParseTrust(body []byte) ([]Result, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, malformed("trust frame: %v", err)
	}

	results := make([]Result, 0, len(elements))
	for i, raw := range elements {
		results = append(results, parseTrustElement(i, raw))
	}

	return results, nil
}

func parseTrustElement(i int, raw json.RawMessage) Result {
	var element trustElement
	if err := json.Unmarshal(raw, &element); err != nil {
		return Result{Err: malformed("trust element %d: %v", i, err)}
	}

	rec := trustRecord{Header: element.Header}
	if len(element.Body) > 0 {
		if err := json.Unmarshal(element.Body, &rec.Body); err != nil {
			return Result{Err: malformed("trust element %d body: %v", i, err)}
		}
	}
	if err := check(KindTrust, &rec); err != nil {
		return Result{Err: err}
	}

	headers := map[string]string{
		"source":   string(FeedTrust),
		"msg_type": rec.Header.MsgType,
		"event":    trustEvents[rec.Header.MsgType],
		"train_id": rec.Body.TrainID,
	}
	if rec.Body.TocID != "" {
		headers["toc_id"] = rec.Body.TocID
	}

	return Result{Record: Record{
		Kind:    KindTrust,
		MsgType: rec.Header.MsgType,
		Body:    raw,
		Headers: headers,
	}}
}
