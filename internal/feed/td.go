package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CClass is a TD berth step, cancel, interpose or heartbeat.
type CClass struct {
	Time       string `json:"time" validate:"required,numeric"`
	AreaID     string `json:"area_id" validate:"required,len=2,alphanum,uppercase"`
	MsgType    string `json:"msg_type" validate:"required,oneof=CA CB CC CT"`
	From       string `json:"from" validate:"omitempty,len=4"`
	To         string `json:"to" validate:"omitempty,len=4"`
	Descr      string `json:"descr" validate:"omitempty,len=4"`
	ReportTime string `json:"report_time" validate:"omitempty,len=4,numeric"`
}

// SClass is a TD signalling state update or refresh.
type SClass struct {
	Time    string `json:"time" validate:"required,numeric"`
	AreaID  string `json:"area_id" validate:"required,len=2,alphanum,uppercase"`
	MsgType string `json:"msg_type" validate:"required,oneof=SF SG SH"`
	Address string `json:"address" validate:"required,len=2,hexadecimal"`
	Data    string `json:"data" validate:"required,hexadecimal"`
}

// ParseTD splits a TD frame, a JSON array of single-key objects such as
// {"CA_MSG": {...}}, into one result per element.
func ParseTD(body []byte) ([]Result, error) {
	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, malformed("td frame: %v", err)
	}

	results := make([]Result, 0, len(elements))
	for i, element := range elements {
		if len(element) != 1 {
			results = append(results, Result{Err: malformed("td element %d has %d keys", i, len(element))})

			continue
		}
		for key, raw := range element {
			results = append(results, parseTDElement(key, raw))
		}
	}

	return results, nil
}

func parseTDElement(key string, raw json.RawMessage) Result {
	code := strings.TrimSuffix(key, "_MSG")

	switch key {
	case "CA_MSG", "CB_MSG", "CC_MSG", "CT_MSG":
		var m CClass
		if err := json.Unmarshal(raw, &m); err != nil {
			return Result{Err: malformed("%s: %v", key, err)}
		}
		if err := checkTD(KindCClass, &m, code, m.MsgType); err != nil {
			return Result{Err: err}
		}

		return Result{Record: tdRecord(KindCClass, code, m.AreaID, raw)}
	case "SF_MSG", "SG_MSG", "SH_MSG":
		var m SClass
		if err := json.Unmarshal(raw, &m); err != nil {
			return Result{Err: malformed("%s: %v", key, err)}
		}
		if err := checkTD(KindSClass, &m, code, m.MsgType); err != nil {
			return Result{Err: err}
		}

		return Result{Record: tdRecord(KindSClass, code, m.AreaID, raw)}
	default:
		return Result{
			Record: Record{Kind: KindUnknown, MsgType: key},
			Err:    fmt.Errorf("%w: %s", ErrUnknownKind, key),
		}
	}
}

// checkTD validates m and that its msg_type agrees with the element key.
func checkTD(kind Kind, m any, code, msgType string) error {
	if err := check(kind, m); err != nil {
		return err
	}
	if msgType != code {
		return &ValidationError{
			Kind:   kind,
			Fields: []FieldError{{Field: "msg_type", Rule: "eq=" + code, Value: msgType}},
		}
	}

	return nil
}

func tdRecord(kind Kind, code, area string, raw json.RawMessage) Record {
	return Record{
		Kind:    kind,
		MsgType: code,
		Body:    raw,
		Headers: map[string]string{
			"source":   string(FeedTD),
			"msg_type": code,
			"area_id":  area,
		},
	}
}
