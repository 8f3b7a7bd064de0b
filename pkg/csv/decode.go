package csv

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

// fieldSetter assigns one raw field value into a struct field.
type fieldSetter func(dst reflect.Value, raw string) error

// planCol binds one record position to one struct field.
type planCol struct {
	col   int
	name  string
	field int
	set   fieldSetter
}

// decodePlan maps the positions of one resolved header onto one struct
// type. Plans are cached, so repeated decodes of the same type under
// the same header skip the reflection walk.
type decodePlan struct {
	cols []planCol
}

type planKey struct {
	typ    reflect.Type
	header string
}

var planCache sync.Map // planKey -> *decodePlan

func planFor(typ reflect.Type, header []string) (*decodePlan, error) {
	key := planKey{typ: typ, header: strings.Join(header, "\x00")}
	if p, ok := planCache.Load(key); ok {
		return p.(*decodePlan), nil
	}
	p, err := buildPlan(typ, header)
	if err != nil {
		return nil, err
	}
	planCache.Store(key, p)
	return p, nil
}

// buildPlan resolves column bindings: a field binds to the column named
// by its `csv` tag, or by the field name when untagged. Tag "-" opts a
// field out; header columns without a matching field are ignored.
func buildPlan(typ reflect.Type, header []string) (*decodePlan, error) {
	byName := make(map[string]int)
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("csv"); ok {
			if tag == "-" {
				continue
			}
			name = tag
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("csv: type %s binds column %q twice", typ, name)
		}
		byName[name] = i
	}
	p := &decodePlan{}
	for col, name := range header {
		fi, ok := byName[name]
		if !ok {
			continue
		}
		f := typ.Field(fi)
		set, err := setterFor(f.Type)
		if err != nil {
			return nil, fmt.Errorf("csv: field %s.%s: %w", typ, f.Name, err)
		}
		p.cols = append(p.cols, planCol{col: col, name: name, field: fi, set: set})
	}
	return p, nil
}

func (p *decodePlan) decode(rec Record, dst reflect.Value) error {
	for _, c := range p.cols {
		// Columns a short record never reaches keep their zero value.
		if c.col >= rec.Len() {
			continue
		}
		if err := c.set(dst.Field(c.field), rec.Field(c.col)); err != nil {
			return fmt.Errorf("csv: row %d column %q: %w", rec.Number(), c.name, err)
		}
	}
	return nil
}

// setterFor builds the assignment function for one field type. Pointer
// fields decode "" as nil, which is how optional numeric columns avoid
// parse errors on empty cells.
func setterFor(t reflect.Type) (fieldSetter, error) {
	if t.Kind() == reflect.Pointer {
		elem := t.Elem()
		inner, err := setterFor(elem)
		if err != nil {
			return nil, err
		}
		return func(dst reflect.Value, raw string) error {
			if raw == "" {
				dst.SetZero()
				return nil
			}
			v := reflect.New(elem)
			if err := inner(v.Elem(), raw); err != nil {
				return err
			}
			dst.Set(v)
			return nil
		}, nil
	}
	switch t.Kind() {
	case reflect.String:
		return func(dst reflect.Value, raw string) error {
			dst.SetString(raw)
			return nil
		}, nil
	case reflect.Bool:
		return func(dst reflect.Value, raw string) error {
			b, err := parseBool(raw)
			if err != nil {
				return err
			}
			dst.SetBool(b)
			return nil
		}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		bits := t.Bits()
		return func(dst reflect.Value, raw string) error {
			n, err := strconv.ParseInt(raw, 10, bits)
			if err != nil {
				return err
			}
			dst.SetInt(n)
			return nil
		}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		bits := t.Bits()
		return func(dst reflect.Value, raw string) error {
			n, err := strconv.ParseUint(raw, 10, bits)
			if err != nil {
				return err
			}
			dst.SetUint(n)
			return nil
		}, nil
	case reflect.Float32, reflect.Float64:
		bits := t.Bits()
		return func(dst reflect.Value, raw string) error {
			f, err := strconv.ParseFloat(raw, bits)
			if err != nil {
				return err
			}
			dst.SetFloat(f)
			return nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", t.Kind())
}

// parseBool accepts the forms spreadsheets produce: true/false, t/f,
// 1/0, any case.
func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "t", "1":
		return true, nil
	case "false", "f", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid bool %q", raw)
}

// UnmarshalRecord decodes one record into a struct pointer. Fields bind
// to columns by `csv:"name"` tag, or by field name when untagged;
// unmatched columns and fields are ignored.
func UnmarshalRecord(rec Record, v any) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return errors.New("csv: UnmarshalRecord(nil)")
	}
	if rv.Kind() != reflect.Pointer {
		return fmt.Errorf("csv: UnmarshalRecord(non-pointer %T)", v)
	}
	if rv.IsNil() {
		return fmt.Errorf("csv: UnmarshalRecord(nil %T)", v)
	}
	elem := rv.Elem()
	if elem.Kind() != reflect.Struct {
		return fmt.Errorf("csv: UnmarshalRecord(pointer to non-struct %T)", v)
	}
	var names []string
	if rec.hdr != nil {
		names = rec.hdr.snapshot()
	}
	if names == nil {
		return errors.New("csv: record has no header")
	}
	plan, err := planFor(elem.Type(), names)
	if err != nil {
		return err
	}
	return plan.decode(rec, elem)
}

// DecodeAll drains the stream into dest: a non-nil pointer to a slice
// of structs, a slice of struct pointers, or [][]string. The stream is
// closed when DecodeAll returns; on failure dest is left unmodified.
func (s *RecordStream) DecodeAll(dest any) error {
	defer s.Close()
	rv := reflect.ValueOf(dest)
	if !rv.IsValid() {
		return errors.New("csv: DecodeAll(nil)")
	}
	if rv.Kind() != reflect.Pointer {
		return fmt.Errorf("csv: DecodeAll(non-pointer %T)", dest)
	}
	if rv.IsNil() {
		return fmt.Errorf("csv: DecodeAll(nil %T)", dest)
	}
	slice := rv.Elem()
	if slice.Kind() != reflect.Slice {
		return fmt.Errorf("csv: DecodeAll(pointer to non-slice %T)", dest)
	}

	if slice.Type() == reflect.TypeOf([][]string(nil)) {
		out := slice
		for s.Next() {
			out = reflect.Append(out, reflect.ValueOf(s.Record().Fields()))
		}
		if err := s.Err(); err != nil {
			return err
		}
		slice.Set(out)
		return nil
	}

	styp := slice.Type().Elem()
	isPtr := styp.Kind() == reflect.Pointer
	if isPtr {
		styp = styp.Elem()
	}
	if styp.Kind() != reflect.Struct {
		return fmt.Errorf("csv: DecodeAll(%T, want slice of structs or [][]string)", dest)
	}

	out := slice
	skipHeader := s.headerRecord
	var plan *decodePlan
	for s.Next() {
		rec := s.Record()
		if skipHeader {
			skipHeader = false
			continue
		}
		if plan == nil {
			names := s.Header()
			if names == nil {
				return errors.New("csv: DecodeAll requires a header")
			}
			p, err := planFor(styp, names)
			if err != nil {
				return err
			}
			plan = p
		}
		v := reflect.New(styp)
		if err := plan.decode(rec, v.Elem()); err != nil {
			return err
		}
		if isPtr {
			out = reflect.Append(out, v)
		} else {
			out = reflect.Append(out, v.Elem())
		}
	}
	if err := s.Err(); err != nil {
		return err
	}
	slice.Set(out)
	return nil
}
