package endpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (must be a non-nil pointer to a struct) from the
// request body.
//
// Supported structtags:
//   - `body:"[,json]"` (at most one field)
//   - `maxLength:"n"` to set the maximum byte length of the body
//
// A string or []byte field receives the raw body. Any other field, or one
// flagged json, is decoded as JSON, which requires a JSON Content-Type.
// A missing body leaves the field unchanged.
//
// A field without `maxLength` is limited to 16KB. `maxLength:"0"` removes the
// limit; callers reading large bodies should bound r.Body themselves (see
// http.MaxBytesReader), in which case an oversized body yields 413.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return unmarshalStruct(r, root)
}

func unmarshalStruct(r *http.Request, structVal reflect.Value) error {
	t := structVal.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		tag, has := sf.Tag.Lookup("body")
		if !has {
			continue
		}
		if bodyField != "" {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
		}
		bodyField = sf.Name

		asJSON, err := parseBodyTag(tag)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if !isStringOrBytes(sf.Type) {
			asJSON = true
		}
		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		if err := setFieldFromBody(r, structVal.Field(i), asJSON, limit, sf.Name); err != nil {
			return err
		}
	}
	return nil
}

func parseBodyTag(tag string) (asJSON bool, err error) {
	parts := strings.Split(tag, ",")
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "json":
			asJSON = true
		default:
			return false, fmt.Errorf("unknown body tag flag %q", flag)
		}
	}
	return asJSON, nil
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

// MediaType returns the lower-cased media type of the request body, or "".
func MediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return strings.ToLower(mt)
}

func setFieldFromBody(r *http.Request, field reflect.Value, asJSON bool, limit int, fieldName string) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if asJSON {
		if mt := MediaType(r); mt != "application/json" {
			if mt == "" {
				mt = "(missing)"
			}
			return Error(http.StatusUnsupportedMediaType, "", fmt.Errorf("endpoint: decode: body: unsupported media type %s", mt))
		}
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Error(http.StatusRequestEntityTooLarge, "", fmt.Errorf("endpoint: decode: body: %w", err))
		}
		return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
	}
	if limit > 0 && len(b) > limit {
		return Error(http.StatusRequestEntityTooLarge, "", fmt.Errorf("endpoint: decode: body -> %s: exceeds max length %d", fieldName, limit))
	}

	v := field
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	switch {
	case asJSON:
		err = json.NewDecoder(bytes.NewReader(b)).Decode(v.Addr().Interface())
	case v.Kind() == reflect.String:
		v.SetString(string(b))
	default:
		v.SetBytes(b)
	}
	if err != nil {
		return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body -> %s: %w", fieldName, err))
	}
	return nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, errors.New("maxLength: must be >= 0")
	}
	return n, nil
}
