package bencode

import (
	"fmt"
	"reflect"
	"strconv"
)

// Deserialize a bencode-encoded byte slice into a pointer target.
func Deserialize(b []byte, s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Ptr {
		return fmt.Errorf("bencode: expected pointer, got %T", s)
	}
	d := &decoder{buf: b}
	if err := d.decodeValue(val.Elem()); err != nil {
		return err
	}
	if d.pos != len(b) {
		return fmt.Errorf("bencode: %d trailing bytes", len(b)-d.pos)
	}
	return nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) peek() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("bencode: unexpected end of input at %d", d.pos)
	}
	return d.buf[d.pos], nil
}

func (d *decoder) decodeValue(v reflect.Value) error {
	c, err := d.peek()
	if err != nil {
		return err
	}

	switch {
	case c == 'i':
		return d.decodeInt(v)
	case c >= '0' && c <= '9':
		b, err := d.readBytes()
		if err != nil {
			return err
		}
		return assignBytes(v, b)
	case c == 'l':
		return d.decodeList(v)
	case c == 'd':
		return d.decodeDict(v)
	default:
		return fmt.Errorf("bencode: unexpected byte %q at %d", c, d.pos)
	}
}

func (d *decoder) decodeInt(v reflect.Value) error {
	d.pos++ // 'i'
	start := d.pos
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			break
		}
		d.pos++
	}
	raw := string(d.buf[start:d.pos])
	d.pos++ // 'e'

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bencode: bad integer %q: %w", raw, err)
		}
		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("bencode: bad integer %q: %w", raw, err)
		}
		v.SetUint(u)
	case reflect.Bool:
		v.SetBool(raw != "0")
	default:
		return fmt.Errorf("bencode: cannot decode integer into %s", v.Kind())
	}
	return nil
}

func (d *decoder) readBytes() ([]byte, error) {
	start := d.pos
	for {
		c, err := d.peek()
		if err != nil {
			return nil, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("bencode: bad length byte %q at %d", c, d.pos)
		}
		d.pos++
	}
	n, err := strconv.Atoi(string(d.buf[start:d.pos]))
	if err != nil {
		return nil, err
	}
	d.pos++ // ':'
	if d.pos+n > len(d.buf) {
		return nil, fmt.Errorf("bencode: string length %d overruns input", n)
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func assignBytes(v reflect.Value, b []byte) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("bencode: cannot decode string into %s", v.Type())
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		v.SetBytes(cp)
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 || v.Len() != len(b) {
			return fmt.Errorf("bencode: cannot decode %d-byte string into %s", len(b), v.Type())
		}
		reflect.Copy(v, reflect.ValueOf(b))
	default:
		return fmt.Errorf("bencode: cannot decode string into %s", v.Kind())
	}
	return nil
}

func (d *decoder) decodeList(v reflect.Value) error {
	if v.Kind() != reflect.Slice {
		return fmt.Errorf("bencode: cannot decode list into %s", v.Kind())
	}
	d.pos++ // 'l'
	out := reflect.MakeSlice(v.Type(), 0, 4)
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			d.pos++
			break
		}
		elem := reflect.New(v.Type().Elem()).Elem()
		if err := d.decodeValue(elem); err != nil {
			return err
		}
		out = reflect.Append(out, elem)
	}
	v.Set(out)
	return nil
}

func (d *decoder) decodeDict(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Map:
		return d.decodeMap(v)
	case reflect.Struct:
		return d.decodeStruct(v)
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return d.decodeDict(v.Elem())
	default:
		return fmt.Errorf("bencode: cannot decode dict into %s", v.Kind())
	}
}

func (d *decoder) decodeMap(v reflect.Value) error {
	d.pos++ // 'd'
	if v.IsNil() {
		v.Set(reflect.MakeMap(v.Type()))
	}
	keyType := v.Type().Key()
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			d.pos++
			return nil
		}
		rawKey, err := d.readBytes()
		if err != nil {
			return err
		}
		key := reflect.New(keyType).Elem()
		switch keyType.Kind() {
		case reflect.String:
			key.SetString(string(rawKey))
		case reflect.Array:
			if err := assignBytes(key, rawKey); err != nil {
				return err
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u, err := strconv.ParseUint(string(rawKey), 10, 64)
			if err != nil {
				return fmt.Errorf("bencode: bad map key %q: %w", rawKey, err)
			}
			key.SetUint(u)
		default:
			return fmt.Errorf("bencode: unsupported map key type %s", keyType.Kind())
		}
		val := reflect.New(v.Type().Elem()).Elem()
		if err := d.decodeValue(val); err != nil {
			return err
		}
		v.SetMapIndex(key, val)
	}
}

func (d *decoder) decodeStruct(v reflect.Value) error {
	d.pos++ // 'd'
	fields := make(map[string]reflect.Value)
	t := v.Type()
	for i := 0; i != t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("bencode")
		if tag == "" || tag == "-" || !t.Field(i).IsExported() {
			continue
		}
		fields[tag] = v.Field(i)
	}
	for {
		c, err := d.peek()
		if err != nil {
			return err
		}
		if c == 'e' {
			d.pos++
			return nil
		}
		rawKey, err := d.readBytes()
		if err != nil {
			return err
		}
		field, ok := fields[string(rawKey)]
		if !ok {
			// unknown keys are skipped so old dumps stay loadable
			if err := d.skipValue(); err != nil {
				return err
			}
			continue
		}
		if err := d.decodeValue(field); err != nil {
			return err
		}
	}
}

func (d *decoder) skipValue() error {
	c, err := d.peek()
	if err != nil {
		return err
	}
	switch {
	case c == 'i':
		for {
			c, err := d.peek()
			if err != nil {
				return err
			}
			d.pos++
			if c == 'e' {
				return nil
			}
		}
	case c >= '0' && c <= '9':
		_, err := d.readBytes()
		return err
	case c == 'l':
		d.pos++
		for {
			c, err := d.peek()
			if err != nil {
				return err
			}
			if c == 'e' {
				d.pos++
				return nil
			}
			if err := d.skipValue(); err != nil {
				return err
			}
		}
	case c == 'd':
		d.pos++
		for {
			c, err := d.peek()
			if err != nil {
				return err
			}
			if c == 'e' {
				d.pos++
				return nil
			}
			if _, err := d.readBytes(); err != nil {
				return err
			}
			if err := d.skipValue(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("bencode: unexpected byte %q at %d", c, d.pos)
	}
}
