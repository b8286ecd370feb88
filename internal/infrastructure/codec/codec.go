// Package codec decodes API response bodies that may arrive either as
// compact binary (CBOR) or as JSON, and validates the decoded shape at
// this single seam so malformed server data fails fast instead of
// propagating untyped values.
package codec

import (
	"encoding/json"
	"fmt"
	"mime"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// DecodeError wraps any failure at the decode boundary. Callers treat
// it as "no data for this response" plus a logged anomaly, never as a
// crash.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decoding %q: %v", e.ContentType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Negotiator decodes response bodies per their declared content type.
type Negotiator struct {
	binary   bool
	dec      cbor.DecMode
	validate *validator.Validate
}

// New creates a Negotiator. When binary is false the CBOR path is
// disabled and only textual decoding is advertised and accepted.
func New(binary bool) (*Negotiator, error) {
	dec, err := cbor.DecOptions{
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("codec: building cbor decoder: %w", err)
	}
	return &Negotiator{
		binary:   binary,
		dec:      dec,
		validate: validator.New(),
	}, nil
}

// AcceptHeader returns the Accept value to advertise on requests.
func (n *Negotiator) AcceptHeader() string {
	if n.binary {
		return ContentTypeCBOR + ", " + ContentTypeJSON
	}
	return ContentTypeJSON
}

// Decode unmarshals raw into v according to the declared content type
// and validates the result. The binary path is used only when it is
// enabled and the response actually declares it; anything else falls
// back to JSON.
func (n *Negotiator) Decode(raw []byte, contentType string, v any) error {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))

	var err error
	if n.binary && mediaType == ContentTypeCBOR {
		err = n.dec.Unmarshal(raw, v)
	} else {
		err = json.Unmarshal(raw, v)
	}
	if err != nil {
		return &DecodeError{ContentType: contentType, Err: err}
	}

	if err := n.validateValue(v); err != nil {
		return &DecodeError{ContentType: contentType, Err: err}
	}
	return nil
}

// validateValue runs struct validation when v points at a struct; other
// shapes (maps, slices) pass through untouched.
func (n *Negotiator) validateValue(v any) error {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	return n.validate.Struct(rv.Interface())
}
