// Package jsonattr stores structured record attributes as JSON text.
package jsonattr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jacktea/hashstore/pkg/meta"
)

// Codec encodes the declared attributes before a write and decodes them
// after a read.
type Codec struct {
	meta.NopBehavior

	attrs []string
}

// New returns a Codec for attrs.
func New(attrs ...string) *Codec {
	return &Codec{attrs: append([]string(nil), attrs...)}
}

// Encode renders v as JSON text.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses JSON text. Numbers decode as json.Number so integers survive
// the round trip.
func Decode(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("jsonattr: trailing data after value")
	}
	return v, nil
}

// BeforeSave writes Data[attr] into Columns[attr] for every declared
// attribute with a non-nil value.
func (c *Codec) BeforeSave(ctx context.Context, ch *meta.Change) error {
	if ch.New == nil {
		return nil
	}
	for _, attr := range c.attrs {
		v, ok := ch.New.Data[attr]
		if !ok || v == nil {
			continue
		}
		text, err := Encode(v)
		if err != nil {
			return &meta.ValidationError{Attribute: attr, Err: err}
		}
		ch.New.SetColumn(attr, text)
	}
	return nil
}

// AfterFind decodes Columns[attr] into Data[attr]. Empty columns are skipped.
func (c *Codec) AfterFind(ctx context.Context, rec *meta.Record) error {
	for _, attr := range c.attrs {
		text := rec.Column(attr)
		if text == "" {
			continue
		}
		v, err := Decode(text)
		if err != nil {
			return &meta.ValidationError{Attribute: attr, Err: err}
		}
		rec.Set(attr, v)
	}
	return nil
}
