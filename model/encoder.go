package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Encoder transforms a field value to its stored form and back.
// Decode(Encode(v)) must equal v for every value the encoder accepts.
type Encoder interface {
	Encode(value any) (any, error)
	Decode(stored any) (any, error)
}

// EncoderFuncs adapts a pair of functions to the Encoder interface.
// A nil function passes values through unchanged.
type EncoderFuncs struct {
	EncodeFunc func(value any) (any, error)
	DecodeFunc func(stored any) (any, error)
}

func (e EncoderFuncs) Encode(value any) (any, error) {
	if e.EncodeFunc == nil {
		return value, nil
	}
	return e.EncodeFunc(value)
}

func (e EncoderFuncs) Decode(stored any) (any, error) {
	if e.DecodeFunc == nil {
		return stored, nil
	}
	return e.DecodeFunc(stored)
}

// JSON returns an encoder that stores values of type T as JSON strings.
func JSON[T any]() Encoder {
	return jsonEncoder[T]{}
}

type jsonEncoder[T any] struct{}

func (jsonEncoder[T]) Encode(value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (jsonEncoder[T]) Decode(stored any) (any, error) {
	var data []byte
	switch v := stored.(type) {
	case nil:
		return nil, nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("tendril: json decoder: unexpected %T", stored)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Time returns an encoder that stores time.Time values as strings in layout.
func Time(layout string) Encoder {
	return timeEncoder{layout: layout}
}

type timeEncoder struct {
	layout string
}

func (e timeEncoder) Encode(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.Format(e.layout), nil
	default:
		return nil, fmt.Errorf("tendril: time encoder: unexpected %T", value)
	}
}

func (e timeEncoder) Decode(stored any) (any, error) {
	switch v := stored.(type) {
	case nil:
		return nil, nil
	case string:
		return time.Parse(e.layout, v)
	default:
		return nil, fmt.Errorf("tendril: time decoder: unexpected %T", stored)
	}
}
