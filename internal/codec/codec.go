// Package codec maps tagged structs to the flat string hashes stored per entity.
//
// Scalars are stringified, time.Time is stored as epoch milliseconds and every
// composite field (slice, map, struct) is JSON encoded. Fields are selected by
// the `kv:"name[,omitempty]"` tag.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrCorrupt marks a stored record whose fields do not decode into the schema.
var ErrCorrupt = errors.New("codec: corrupt record")

// DecodeError lists every field that failed to parse. Parseable fields are still populated.
type DecodeError struct {
	Fields map[string]error
}

func (e *DecodeError) Error() string {
	names := e.FieldNames()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Fields[n]))
	}
	return ErrCorrupt.Error() + ": " + strings.Join(parts, "; ")
}

func (e *DecodeError) Unwrap() error { return ErrCorrupt }

// FieldNames returns the failing field names in sorted order.
func (e *DecodeError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for n := range e.Fields {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var timeType = reflect.TypeOf(time.Time{})

type field struct {
	index     int
	name      string
	omitempty bool
}

var schemaCache sync.Map // reflect.Type -> []field

func schema(t reflect.Type) []field {
	if cached, ok := schemaCache.Load(t); ok {
		return cached.([]field)
	}
	var fields []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, ok := sf.Tag.Lookup("kv")
		if !ok || tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, field{index: i, name: name, omitempty: opts == "omitempty"})
	}
	schemaCache.Store(t, fields)
	return fields
}

func structValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Value{}, errors.New("codec: nil record")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, fmt.Errorf("codec: %s is not a struct", rv.Type())
	}
	return rv, nil
}

// Encode flattens a tagged struct (or pointer to one) into a string map.
func Encode(v any) (map[string]string, error) {
	rv, err := structValue(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, f := range schema(rv.Type()) {
		fv := rv.Field(f.index)
		if f.omitempty && fv.IsZero() {
			continue
		}
		s, err := encodeValue(fv)
		if err != nil {
			return nil, fmt.Errorf("codec: encode %s: %w", f.name, err)
		}
		out[f.name] = s
	}
	return out, nil
}

func encodeValue(fv reflect.Value) (string, error) {
	if fv.Type() == timeType {
		t := fv.Interface().(time.Time)
		if t.IsZero() {
			return "0", nil
		}
		return strconv.FormatInt(t.UnixMilli(), 10), nil
	}
	switch fv.Kind() {
	case reflect.String:
		return fv.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(fv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(fv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(fv.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(fv.Float(), 'f', -1, 64), nil
	case reflect.Slice:
		if fv.IsNil() {
			return "[]", nil
		}
	case reflect.Map:
		if fv.IsNil() {
			return "{}", nil
		}
	}
	data, err := json.Marshal(fv.Interface())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode fills dst (a pointer to a tagged struct) from a stored hash.
// Missing keys leave zero values; unparseable ones are reported through *DecodeError.
func Decode(fields map[string]string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("codec: decode target must be a non-nil pointer")
	}
	rv, err := structValue(dst)
	if err != nil {
		return err
	}
	var bad map[string]error
	for _, f := range schema(rv.Type()) {
		raw, ok := fields[f.name]
		if !ok {
			continue
		}
		if err := decodeValue(raw, rv.Field(f.index)); err != nil {
			if bad == nil {
				bad = make(map[string]error)
			}
			bad[f.name] = err
		}
	}
	if bad != nil {
		return &DecodeError{Fields: bad}
	}
	return nil
}

func decodeValue(raw string, fv reflect.Value) error {
	if fv.Type() == timeType {
		t, err := ParseTime(raw)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(t))
		return nil
	}
	trimmed := strings.TrimSpace(raw)
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
		return nil
	case reflect.Bool:
		if trimmed == "" {
			fv.SetBool(false)
			return nil
		}
		b, err := strconv.ParseBool(trimmed)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		fv.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := parseInt(trimmed)
		if err != nil {
			return err
		}
		if fv.OverflowInt(n) {
			return fmt.Errorf("integer %q overflows", raw)
		}
		fv.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := parseInt(trimmed)
		if err != nil {
			return err
		}
		if n < 0 || fv.OverflowUint(uint64(n)) {
			return fmt.Errorf("unsigned integer %q out of range", raw)
		}
		fv.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		if trimmed == "" {
			fv.SetFloat(0)
			return nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", raw)
		}
		fv.SetFloat(f)
		return nil
	}
	ptr := reflect.New(fv.Type())
	if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	fv.Set(ptr.Elem())
	return nil
}

// parseInt accepts plain integers and integral JSON numbers such as "80.0" or "1e3".
func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	return int64(f), nil
}

// ParseTime reads epoch milliseconds or RFC 3339 text. "" and "0" are the zero time.
func ParseTime(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	if ms, err := parseInt(s); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, strings.Trim(s, `"`))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	return t.UTC(), nil
}

// Loose decodes without a schema: each value is JSON parsed when possible, otherwise kept raw.
func Loose(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			out[k] = parsed
			continue
		}
		out[k] = v
	}
	return out
}
