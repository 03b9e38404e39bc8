package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// JSONAssertOptions controls which differences JSONAsserter reports.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys present only in the actual document
	IgnoreExtraKeys bool `default:"false"`
	// IgnoredFields are removed from both documents at every depth
	IgnoredFields []string
}

// JSONOption is a functional option for configuring JSONAsserter
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a readable diff.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a JSONAsserter with default options
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Assert reports a failure when the documents differ.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	if d := ja.Diff(actualJSON, expectedJSON); d != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// Diff returns a description of the differences, or "" when equal.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]interface{}); ok {
		expected = map[string]interface{}{"array": expected}
	}
	if _, ok := actual.([]interface{}); ok {
		actual = map[string]interface{}{"array": actual}
	}

	if len(ja.options.IgnoredFields) > 0 {
		removeFields(expected, ja.options.IgnoredFields)
		removeFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON differs (format failed: %v)", err)
	}
	return out
}

func removeFields(v interface{}, fields []string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, f := range fields {
			delete(t, f)
		}
		for _, child := range t {
			removeFields(child, fields)
		}
	case []interface{}:
		for _, child := range t {
			removeFields(child, fields)
		}
	}
}

// pruneExtraKeys removes keys from actual that expected does not have.
func pruneExtraKeys(actual, expected interface{}) {
	switch a := actual.(type) {
	case map[string]interface{}:
		e, ok := expected.(map[string]interface{})
		if !ok {
			return
		}
		for k := range a {
			if _, keep := e[k]; !keep {
				delete(a, k)
				continue
			}
			pruneExtraKeys(a[k], e[k])
		}
	case []interface{}:
		e, ok := expected.([]interface{})
		if !ok {
			return
		}
		for i := range a {
			if i < len(e) {
				pruneExtraKeys(a[i], e[i])
			}
		}
	}
}

// WithIgnoreExtraKeys sets whether keys only present in the actual document are ignored.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(o *JSONAssertOptions) {
		o.IgnoreExtraKeys = ignore
	}
}

// WithIgnoredFields removes the named keys before comparing.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) {
		o.IgnoredFields = append(o.IgnoredFields, fields...)
	}
}
