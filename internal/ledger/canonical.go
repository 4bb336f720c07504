package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// canonicalize encodes v as canonical JSON: object keys sorted, strings
// NFC-normalized, numbers in shortest round-trip form, no insignificant
// whitespace. Two structurally equal decision documents always produce
// identical bytes, so the digest computed over them is stable across
// encode/decode cycles.
func canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// canonicalizeJSON re-encodes raw JSON canonically.
func canonicalizeJSON(raw []byte) ([]byte, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding document for canonicalization: %w", err)
	}
	return canonicalize(v)
}

type mapEntry struct {
	key   string
	value any
}

func writeValue(buf *bytes.Buffer, v any) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	if n, ok := v.(json.Number); ok {
		buf.WriteString(n.String())
		return nil
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return writeString(buf, rv.String())
	case reflect.Bool:
		if rv.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		buf.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
		return nil
	case reflect.Map:
		return writeMap(buf, rv)
	case reflect.Slice, reflect.Array:
		return writeSlice(buf, rv)
	case reflect.Struct:
		// Round-trip structs through encoding/json so tags apply, then
		// canonicalize the generic form.
		data, err := json.Marshal(rv.Interface())
		if err != nil {
			return err
		}
		out, err := canonicalizeJSON(data)
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	default:
		return fmt.Errorf("canonicalize: unsupported type %s", rv.Kind())
	}
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeMap(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Type().Key().Kind() != reflect.String {
		return fmt.Errorf("canonicalize: non-string map key")
	}

	entries := make([]mapEntry, 0, rv.Len())
	for _, key := range rv.MapKeys() {
		entries = append(entries, mapEntry{
			key:   norm.NFC.String(key.String()),
			value: rv.MapIndex(key).Interface(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	buf.WriteByte('{')
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, e.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, e.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, rv reflect.Value) error {
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		buf.WriteString("null")
		return nil
	}

	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, rv.Index(i).Interface()); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
