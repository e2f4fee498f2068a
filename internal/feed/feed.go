// Package feed classifies and validates Network Rail and Darwin frames before
// they are republished. Each frame is split into records; every record is
// either valid (and carries the routing headers for the broker) or holds a
// structured validation error. Unknown record kinds are reported, not failed.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrMalformed   = errors.New("malformed frame")
)

// Kind is the finite set of message kinds the gateways understand.
type Kind int

const (
	KindUnknown Kind = iota
	KindCClass
	KindSClass
	KindTrust
	KindVSTP
	KindDarwinStation
	KindDarwinNotification
)

func (k Kind) String() string {
	switch k {
	case KindCClass:
		return "c-class"
	case KindSClass:
		return "s-class"
	case KindTrust:
		return "trust"
	case KindVSTP:
		return "vstp"
	case KindDarwinStation:
		return "darwin-station-message"
	case KindDarwinNotification:
		return "darwin-notification"
	default:
		return "unknown"
	}
}

// Feed names one of the inbound feeds a gateway can bridge.
type Feed string

const (
	FeedTD     Feed = "td"
	FeedTrust  Feed = "trust"
	FeedVSTP   Feed = "vstp"
	FeedDarwin Feed = "darwin"
)

// Frame is one message received from a feed.
type Frame struct {
	ID          string
	Destination string
	Timestamp   time.Time
	Body        []byte
}

// Record is a single validated element of a frame.
type Record struct {
	Kind    Kind
	MsgType string
	Body    json.RawMessage
	Headers map[string]string
}

// Result is either a Record or the reason it was rejected.
type Result struct {
	Record Record
	Err    error
}

// ValidationError describes the fields of a record that failed validation.
type ValidationError struct {
	Kind   Kind
	Fields []FieldError
}

// FieldError is one failing field.
type FieldError struct {
	Field string
	Rule  string
	Value string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s failed %s (%q)", f.Field, f.Rule, f.Value))
	}

	return fmt.Sprintf("invalid %s record: %s", e.Kind, strings.Join(parts, ", "))
}

// Parser splits a frame body into results.
type Parser interface {
	Parse(body []byte) ([]Result, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(body []byte) ([]Result, error)

// Parse implements Parser.
func (f ParserFunc) Parse(body []byte) ([]Result, error) {
	return f(body)
}

// NewParser returns the parser for a feed.
func NewParser(feed Feed) (Parser, error) {
	switch Feed(strings.ToLower(string(feed))) {
	case FeedTD:
		return ParserFunc(ParseTD), nil
	case FeedTrust:
		return ParserFunc(ParseTrust), nil
	case FeedVSTP:
		return ParserFunc(ParseVSTP), nil
	case FeedDarwin:
		return ParserFunc(ParseDarwin), nil
	default:
		return nil, fmt.Errorf("%w: feed %q", ErrUnknownKind, feed)
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})
}

// check validates v and converts validator errors to a ValidationError.
func check(kind Kind, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &ValidationError{Kind: kind}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fe.Namespace(),
			Rule:  fe.Tag(),
			Value: fmt.Sprint(fe.Value()),
		})
	}

	return out
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
