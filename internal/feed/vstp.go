package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

const vstpRoot = "VSTPCIFMsgV1"

type vstpMessage struct {
	Timestamp string       `json:"timestamp" validate:"omitempty,numeric"`
	Schedule  vstpSchedule `json:"schedule"`
}

type vstpSchedule struct {
	TransactionType string        `json:"transaction_type" validate:"required,oneof=Create Delete Update"`
	TrainUID        string        `json:"CIF_train_uid" validate:"required,max=6"`
	STPIndicator    string        `json:"CIF_stp_indicator" validate:"required,oneof=C N O P"`
	StartDate       string        `json:"schedule_start_date" validate:"required,datetime=2006-01-02"`
	EndDate         string        `json:"schedule_end_date" validate:"omitempty,datetime=2006-01-02"`
	DaysRuns        string        `json:"schedule_days_runs" validate:"omitempty,len=7,numeric"`
	Segments        []vstpSegment `json:"schedule_segment" validate:"dive"`
}

type vstpSegment struct {
	SignallingID string `json:"signalling_id" validate:"omitempty,max=4"`
}

// ParseVSTP validates a VSTP CIF schedule frame, a single
// {"VSTPCIFMsgV1": {...}} object.
func ParseVSTP(body []byte) ([]Result, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, malformed("vstp frame: %v", err)
	}

	raw, ok := root[vstpRoot]
	if !ok {
		keys := make([]string, 0, len(root))
		for k := range root {
			keys = append(keys, k)
		}

		return []Result{{
			Record: Record{Kind: KindUnknown},
			Err:    fmt.Errorf("%w: %s", ErrUnknownKind, strings.Join(keys, ",")),
		}}, nil
	}

	var msg vstpMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return []Result{{Err: malformed("vstp: %v", err)}}, nil
	}
	if err := check(KindVSTP, &msg); err != nil {
		return []Result{{Err: err}}, nil
	}

	return []Result{{Record: Record{
		Kind:    KindVSTP,
		MsgType: "VSTP",
		Body:    json.RawMessage(body),
		Headers: map[string]string{
			"source":           string(FeedVSTP),
			"msg_type":         "VSTP",
			"transaction_type": msg.Schedule.TransactionType,
			"train_uid":        strings.TrimSpace(msg.Schedule.TrainUID),
			"stp_indicator":    msg.Schedule.STPIndicator,
		},
	}}}, nil
}
