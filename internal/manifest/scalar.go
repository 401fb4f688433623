package manifest

import (
	"encoding/json"
	"strconv"
)

// Scalar is a JSON leaf value: a string, an integer, a real number or a boolean.
// JSON null is never represented as a Scalar; the key is simply absent.
type Scalar interface {
	isScalar()
	// Kind reports the JSON kind of the scalar.
	Kind() Kind
	// Text renders the scalar the way it would be spelled in a query string.
	Text() string
	// Value returns the plain Go value (string, int64, float64 or bool).
	Value() interface{}
}

// ScalarString is a JSON string.
type ScalarString struct{ V string }

// ScalarInteger is a JSON number without a fractional part or exponent.
type ScalarInteger struct{ V int64 }

// ScalarReal is any other JSON number.
type ScalarReal struct{ V float64 }

// ScalarBoolean is a JSON boolean.
type ScalarBoolean struct{ V bool }

func (ScalarString) isScalar()  {}
func (ScalarInteger) isScalar() {}
func (ScalarReal) isScalar()    {}
func (ScalarBoolean) isScalar() {}

func (ScalarString) Kind() Kind  { return KindString }
func (ScalarInteger) Kind() Kind { return KindNumber }
func (ScalarReal) Kind() Kind    { return KindNumber }
func (ScalarBoolean) Kind() Kind { return KindBoolean }

func (s ScalarString) Text() string  { return s.V }
func (s ScalarInteger) Text() string { return strconv.FormatInt(s.V, 10) }
func (s ScalarReal) Text() string    { return strconv.FormatFloat(s.V, 'g', -1, 64) }
func (s ScalarBoolean) Text() string { return strconv.FormatBool(s.V) }

func (s ScalarString) Value() interface{}  { return s.V }
func (s ScalarInteger) Value() interface{} { return s.V }
func (s ScalarReal) Value() interface{}    { return s.V }
func (s ScalarBoolean) Value() interface{} { return s.V }

// scalarFromNumber keeps integral literals as integers and everything else,
// including integers that overflow int64, as reals.
func scalarFromNumber(n json.Number) (Scalar, error) {
	text := n.String()
	integral := true
	for _, c := range text {
		if c == '.' || c == 'e' || c == 'E' {
			integral = false
			break
		}
	}
	if integral {
		if i, err := n.Int64(); err == nil {
			return ScalarInteger{V: i}, nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, err
	}
	return ScalarReal{V: f}, nil
}

// Values is an open bag of scalars keyed by field name.
type Values map[string]Scalar

// MarshalJSON renders the bag back to a JSON object.
func (v Values) MarshalJSON() ([]byte, error) {
	plain := make(map[string]interface{}, len(v))
	for k, s := range v {
		plain[k] = s.Value()
	}
	return json.Marshal(plain)
}

// String extracts a required string value.
func (v Values) String(key string) (string, error) {
	s, ok := v[key]
	if !ok {
		return "", missingKey(key, key, KindString)
	}
	str, ok := s.(ScalarString)
	if !ok {
		return "", typeMismatch(key, key, KindString, s.Kind())
	}
	return str.V, nil
}

// StringOptional extracts a string value if present.
func (v Values) StringOptional(key string) (string, bool, error) {
	if _, ok := v[key]; !ok {
		return "", false, nil
	}
	s, err := v.String(key)
	return s, err == nil, err
}

// Float extracts a required number. Numeric strings are accepted, since several
// vendors quote durations.
func (v Values) Float(key string) (float64, error) {
	s, ok := v[key]
	if !ok {
		return 0, missingKey(key, key, KindNumber)
	}
	switch x := s.(type) {
	case ScalarInteger:
		return float64(x.V), nil
	case ScalarReal:
		return x.V, nil
	case ScalarString:
		f, err := strconv.ParseFloat(x.V, 64)
		if err != nil {
			return 0, malformed(key, key, KindNumber, err)
		}
		return f, nil
	default:
		return 0, typeMismatch(key, key, KindNumber, s.Kind())
	}
}

// Int extracts a required integer. Integral reals and numeric strings are accepted.
func (v Values) Int(key string) (int, error) {
	s, ok := v[key]
	if !ok {
		return 0, missingKey(key, key, KindNumber)
	}
	switch x := s.(type) {
	case ScalarInteger:
		return int(x.V), nil
	case ScalarReal:
		if x.V != float64(int64(x.V)) {
			return 0, malformed(key, key, KindNumber, strconv.ErrSyntax)
		}
		return int(x.V), nil
	case ScalarString:
		i, err := strconv.Atoi(x.V)
		if err != nil {
			return 0, malformed(key, key, KindNumber, err)
		}
		return i, nil
	default:
		return 0, typeMismatch(key, key, KindNumber, s.Kind())
	}
}
