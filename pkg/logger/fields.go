package logger

// Allow arbitrary fields on a log.
// Inspired by the logrus.Fields API
// https://github.com/sirupsen/logrus
type Fields map[string]string

const (
	FieldNameResource = "resource"
	FieldNameState    = "state"
)

func (f Fields) merge(other Fields) Fields {
	if len(other) == 0 {
		return f
	}
	result := make(Fields, len(f)+len(other))
	for k, v := range f {
		result[k] = v
	}
	for k, v := range other {
		result[k] = v
	}
	return result
}
