package feed

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Darwin push port update elements the gateway republishes.
const (
	darwinStationMessage = "OW"
	darwinNotification   = "NO"
)

// StationMessage is a Darwin OW element.
type StationMessage struct {
	ID       string   `json:"id" validate:"required,numeric"`
	Category string   `json:"cat" validate:"required,oneof=Train Station Connections System Misc PriorTrains PriorOther"`
	Severity string   `json:"sev" validate:"required,oneof=0 1 2 3"`
	Suppress bool     `json:"suppress,omitempty"`
	Stations []string `json:"stations" validate:"required,min=1,dive,len=3,alpha"`
	Msg      string   `json:"msg"`
}

// Notification is a Darwin NO element, republished as its attributes and
// text.
type Notification struct {
	Attrs map[string]string `json:"attrs,omitempty"`
	Text  string            `json:"text,omitempty"`
}

type stationMessageXML struct {
	ID       string `xml:"id,attr"`
	Category string `xml:"cat,attr"`
	Severity string `xml:"sev,attr"`
	Suppress bool   `xml:"suppress,attr"`
	Stations []struct {
		CRS string `xml:"crs,attr"`
	} `xml:"Station"`
	Msg struct {
		Inner string `xml:",innerxml"`
	} `xml:"Msg"`
}

type notificationXML struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Text  string     `xml:",chardata"`
}

// ParseDarwin decodes a push port frame: a zlib or gzip compressed
// <Pport><uR>...</uR></Pport> document. Every update element becomes one
// result; element kinds other than station messages and notifications are
// reported as unknown.
func ParseDarwin(body []byte) ([]Result, error) {
	raw, err := inflate(body)
	if err != nil {
		return nil, malformed("darwin frame: %v", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	var results []Result
	sawRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, malformed("darwin frame: %v", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch se.Name.Local {
		case "Pport":
			sawRoot = true
		case "uR":
		case darwinStationMessage:
			results = append(results, decodeStationMessage(dec, &se))
		case darwinNotification:
			results = append(results, decodeNotification(dec, &se))
		default:
			if err := dec.Skip(); err != nil {
				return nil, malformed("darwin frame: %v", err)
			}
			results = append(results, Result{
				Record: Record{Kind: KindUnknown, MsgType: se.Name.Local},
				Err:    fmt.Errorf("%w: %s", ErrUnknownKind, se.Name.Local),
			})
		}
	}

	if !sawRoot {
		return nil, malformed("darwin frame: no Pport element")
	}

	return results, nil
}

func decodeStationMessage(dec *xml.Decoder, se *xml.StartElement) Result {
	var in stationMessageXML
	if err := dec.DecodeElement(&in, se); err != nil {
		return Result{Err: malformed("station message: %v", err)}
	}

	msg := StationMessage{
		ID:       in.ID,
		Category: in.Category,
		Severity: in.Severity,
		Suppress: in.Suppress,
		Msg:      strings.TrimSpace(in.Msg.Inner),
	}
	for _, st := range in.Stations {
		msg.Stations = append(msg.Stations, st.CRS)
	}
	if err := check(KindDarwinStation, &msg); err != nil {
		return Result{Err: err}
	}

	return darwinRecord(KindDarwinStation, darwinStationMessage, msg, map[string]string{
		"crs":      strings.Join(msg.Stations, ","),
		"category": msg.Category,
		"severity": msg.Severity,
	})
}

func decodeNotification(dec *xml.Decoder, se *xml.StartElement) Result {
	var in notificationXML
	if err := dec.DecodeElement(&in, se); err != nil {
		return Result{Err: malformed("notification: %v", err)}
	}

	n := Notification{Text: strings.TrimSpace(in.Text)}
	for _, a := range in.Attrs {
		if n.Attrs == nil {
			n.Attrs = make(map[string]string, len(in.Attrs))
		}
		n.Attrs[a.Name.Local] = a.Value
	}

	return darwinRecord(KindDarwinNotification, darwinNotification, n, nil)
}

func darwinRecord(kind Kind, msgType string, v any, extra map[string]string) Result {
	body, err := json.Marshal(v)
	if err != nil {
		return Result{Err: fmt.Errorf("encode %s: %w", kind, err)}
	}

	headers := map[string]string{
		"source":   string(FeedDarwin),
		"msg_type": msgType,
	}
	for k, v := range extra {
		if v != "" {
			headers[k] = v
		}
	}

	return Result{Record: Record{
		Kind:    kind,
		MsgType: msgType,
		Body:    body,
		Headers: headers,
	}}
}

// inflate accepts gzip, zlib or already plain XML bodies.
func inflate(body []byte) ([]byte, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	switch {
	case len(trimmed) > 0 && trimmed[0] == '<':
		return trimmed, nil
	case len(body) > 1 && body[0] == 0x1f && body[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	default:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()

		return io.ReadAll(r)
	}
}
