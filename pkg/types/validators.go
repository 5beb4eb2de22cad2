package types

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ValidationError reports a field value that does not conform to its
// declared type, or an object failing a JSON-schema rule.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("invalid value for %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator checks and normalizes a single field value. ExpectedType is the
// type tag used by the CLI set-action to coerce string arguments before
// validation.
type Validator struct {
	ExpectedType string
	callback     func(interface{}) (interface{}, error)
}

func (v Validator) Validate(value interface{}) (interface{}, error) {
	return v.callback(value)
}

// GetValidator returns the validator for a declaration type string, e.g.
// "int", "bool" or "enum:yes|no|inactive".
func GetValidator(declared string) (Validator, error) {
	if arg, ok := strings.CutPrefix(declared, "enum:"); ok {
		return Validator{ExpectedType: "enum", callback: enumValidator(arg)}, nil
	}
	cb, ok := validators[declared]
	if !ok {
		return Validator{}, fmt.Errorf("unknown type %q", declared)
	}
	return Validator{ExpectedType: declared, callback: cb}, nil
}

var validators = map[string]func(interface{}) (interface{}, error){
	"int":       intValidator,
	"string":    stringValidator,
	"bool":      boolValidator,
	"list":      listValidator,
	"dict":      dictValidator,
	"cidr_list": cidrListValidator,
	"any":       anyValidator,
}

func intValidator(data interface{}) (interface{}, error) {
	switch v := data.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", v)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("not an integer: %v", data)
	}
}

func stringValidator(data interface{}) (interface{}, error) {
	switch v := data.(type) {
	case string:
		return v, nil
	case nil:
		return nil, fmt.Errorf("no value")
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func boolValidator(data interface{}) (interface{}, error) {
	v, ok := data.(bool)
	if !ok {
		return nil, fmt.Errorf("only boolean values are accepted")
	}
	return v, nil
}

// listValidator mirrors the loose historical contract: anything that is not
// a list becomes the empty list.
func listValidator(data interface{}) (interface{}, error) {
	if v, ok := data.([]interface{}); ok {
		return v, nil
	}
	return []interface{}{}, nil
}

func dictValidator(data interface{}) (interface{}, error) {
	v, ok := data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("field must be a dict")
	}
	return v, nil
}

// cidrListValidator drops entries that do not parse as IP networks, with a
// warning. Host bits are tolerated: a bare address is read as a /32 (or
// /128) network.
func cidrListValidator(data interface{}) (interface{}, error) {
	items, ok := data.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field must be a list of CIDRs")
	}
	res := make([]interface{}, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || !isCIDR(s) {
			logrus.WithField("cidr", item).Warn("dropping invalid network")
			continue
		}
		res = append(res, s)
	}
	return res, nil
}

func isCIDR(s string) bool {
	if !strings.Contains(s, "/") {
		return net.ParseIP(s) != nil
	}
	ip, _, err := net.ParseCIDR(s)
	return err == nil && ip != nil
}

func anyValidator(data interface{}) (interface{}, error) {
	if _, err := json.Marshal(data); err != nil {
		return nil, fmt.Errorf("values need to be json-serializable")
	}
	return data, nil
}

func enumValidator(arg string) func(interface{}) (interface{}, error) {
	choices := strings.Split(arg, "|")
	return func(data interface{}) (interface{}, error) {
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("enum values must be strings")
		}
		for _, c := range choices {
			if s == c {
				return s, nil
			}
		}
		return nil, fmt.Errorf("%q not in '%s'", s, strings.Join(choices, " | "))
	}
}
