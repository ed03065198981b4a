// This package implements the bt-encoding used for namespace dumps and
// plaintext config payloads. Struct fields are mapped to dict keys with
// `bencode:"x"` tags; dict keys are always emitted in sorted order so that
// encoding is deterministic.
package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize a pointer to a bencode-encoded byte slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("bencode: expected pointer, got %T", s)
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, val.Elem()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		encodeBytes(buf, []byte(v.String()))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int(), 10))
		buf.WriteByte('e')
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		buf.WriteByte('e')
		return nil
	case reflect.Bool:
		buf.WriteByte('i')
		if v.Bool() {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
		buf.WriteByte('e')
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			encodeBytes(buf, v.Bytes())
			return nil
		}
		buf.WriteByte('l')
		for i := 0; i != v.Len(); i++ {
			if err := encodeValue(buf, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("bencode: unsupported array of %s", v.Type().Elem().Kind())
		}
		b := make([]byte, v.Len())
		reflect.Copy(reflect.ValueOf(b), v)
		encodeBytes(buf, b)
		return nil
	case reflect.Map:
		return encodeMap(buf, v)
	case reflect.Struct:
		return encodeStruct(buf, v)
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil pointer")
		}
		return encodeValue(buf, v.Elem())
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Kind())
	}
}

func encodeBytes(buf *bytes.Buffer, b []byte) {
	buf.WriteString(strconv.Itoa(len(b)))
	buf.WriteByte(':')
	buf.Write(b)
}

func encodeMap(buf *bytes.Buffer, v reflect.Value) error {
	keys := make([]string, 0, v.Len())
	byKey := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k, err := stringKey(iter.Key())
		if err != nil {
			return err
		}
		keys = append(keys, k)
		byKey[k] = iter.Value()
	}
	sort.Strings(keys)

	buf.WriteByte('d')
	for _, k := range keys {
		encodeBytes(buf, []byte(k))
		if err := encodeValue(buf, byKey[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

func encodeStruct(buf *bytes.Buffer, v reflect.Value) error {
	type field struct {
		key string
		val reflect.Value
	}
	t := v.Type()
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("bencode")
		if tag == "" || tag == "-" || !t.Field(i).IsExported() {
			continue
		}
		fields = append(fields, field{tag, v.Field(i)})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	buf.WriteByte('d')
	for _, f := range fields {
		encodeBytes(buf, []byte(f.key))
		if err := encodeValue(buf, f.val); err != nil {
			return err
		}
	}
	buf.WriteByte('e')
	return nil
}

func stringKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Array:
		if k.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, k.Len())
			reflect.Copy(reflect.ValueOf(b), k)
			return string(b), nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("bencode: unsupported map key type %s", k.Kind())
}
