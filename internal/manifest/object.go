package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Object is a decoded JSON object together with its location in the document.
// Accessors are strict: a key is either present with exactly the expected
// kind, or the accessor returns a *ParseError.
type Object struct {
	path   string
	fields map[string]interface{}
}

// Has reports whether key is present (null counts as present).
func (o Object) Has(key string) bool {
	_, ok := o.fields[key]
	return ok
}

// Keys returns the object's field names in no particular order.
func (o Object) Keys() []string {
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	return keys
}

func (o Object) at(key string) string {
	if o.path == "" {
		return key
	}
	return o.path + "." + key
}

func (o Object) node(key string, expected Kind) (interface{}, error) {
	v, ok := o.fields[key]
	if !ok {
		return nil, missingKey(key, o.at(key), expected)
	}
	return v, nil
}

// Object returns the nested object under key.
func (o Object) Object(key string) (Object, error) {
	v, err := o.node(key, KindObject)
	if err != nil {
		return Object{}, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return Object{}, typeMismatch(key, o.at(key), KindObject, kindOf(v))
	}
	return Object{path: o.at(key), fields: m}, nil
}

// ObjectOptional returns the nested object under key if the key exists.
func (o Object) ObjectOptional(key string) (Object, bool, error) {
	if !o.Has(key) {
		return Object{}, false, nil
	}
	obj, err := o.Object(key)
	return obj, err == nil, err
}

// Array returns the elements of the array under key.
func (o Object) Array(key string) ([]interface{}, error) {
	v, err := o.node(key, KindArray)
	if err != nil {
		return nil, err
	}
	a, ok := v.([]interface{})
	if !ok {
		return nil, typeMismatch(key, o.at(key), KindArray, kindOf(v))
	}
	return a, nil
}

// String returns the string under key.
func (o Object) String(key string) (string, error) {
	v, err := o.node(key, KindString)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", typeMismatch(key, o.at(key), KindString, kindOf(v))
	}
	return s, nil
}

// Float returns the number under key.
func (o Object) Float(key string) (float64, error) {
	v, err := o.node(key, KindNumber)
	if err != nil {
		return 0, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, typeMismatch(key, o.at(key), KindNumber, kindOf(v))
	}
	f, err := n.Float64()
	if err != nil {
		return 0, malformed(key, o.at(key), KindNumber, err)
	}
	return f, nil
}

// Int returns the integer under key.
func (o Object) Int(key string) (int64, error) {
	v, err := o.node(key, KindNumber)
	if err != nil {
		return 0, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, typeMismatch(key, o.at(key), KindNumber, kindOf(v))
	}
	i, err := n.Int64()
	if err != nil {
		return 0, malformed(key, o.at(key), KindNumber, err)
	}
	return i, nil
}

// Bool returns the boolean under key.
func (o Object) Bool(key string) (bool, error) {
	v, err := o.node(key, KindBoolean)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, typeMismatch(key, o.at(key), KindBoolean, kindOf(v))
	}
	return b, nil
}

// URL returns the string under key parsed as a URI reference.
func (o Object) URL(key string) (*url.URL, error) {
	s, err := o.String(key)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, malformed(key, o.at(key), KindURI, err)
	}
	return u, nil
}

// Scalar returns the scalar under key. The boolean result is false for JSON null.
func (o Object) Scalar(key string) (Scalar, bool, error) {
	v, err := o.node(key, KindScalar)
	if err != nil {
		return nil, false, err
	}
	switch x := v.(type) {
	case nil:
		return nil, false, nil
	case string:
		return ScalarString{V: x}, true, nil
	case bool:
		return ScalarBoolean{V: x}, true, nil
	case json.Number:
		s, err := scalarFromNumber(x)
		if err != nil {
			return nil, false, malformed(key, o.at(key), KindNumber, err)
		}
		return s, true, nil
	default:
		return nil, false, typeMismatch(key, o.at(key), KindScalar, kindOf(v))
	}
}

// Scalars converts every field of the object into a scalar bag. Null fields are
// dropped; composite fields fail the conversion.
func (o Object) Scalars() (Values, error) {
	values := make(Values, len(o.fields))
	for key := range o.fields {
		s, ok, err := o.Scalar(key)
		if err != nil {
			return nil, err
		}
		if ok {
			values[key] = s
		}
	}
	return values, nil
}

// elementObject checks that the i-th element of the array under key is an object.
func (o Object) elementObject(key string, i int, v interface{}) (Object, error) {
	path := fmt.Sprintf("%s[%d]", o.at(key), i)
	m, ok := v.(map[string]interface{})
	if !ok {
		return Object{}, typeMismatch(key, path, KindObject, kindOf(v))
	}
	return Object{path: path, fields: m}, nil
}

func kindOf(v interface{}) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case map[string]interface{}:
		return KindObject
	case []interface{}:
		return KindArray
	case string:
		return KindString
	case json.Number, float64:
		return KindNumber
	case bool:
		return KindBoolean
	default:
		return Kind(fmt.Sprintf("%T", v))
	}
}
