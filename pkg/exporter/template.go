package exporter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
)

// Placeholders look like {name} or {item[field]}. Substitution fails fast on
// anything unresolved instead of passing a half-formatted path downstream.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)(?:\[([^\]{}]+)\])?\}`)

// substitute expands every placeholder in tmpl through lookup. Stray braces
// outside a recognized placeholder are rejected.
func substitute(tmpl string, lookup func(name, key string) (string, error)) (string, error) {
	var b strings.Builder
	last := 0

	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(tmpl, -1) {
		literal := tmpl[last:loc[0]]
		if strings.ContainsAny(literal, "{}") {
			return "", errors.Newf(errors.ErrorTypeValidation, "malformed template %q", tmpl)
		}
		b.WriteString(literal)

		name := tmpl[loc[2]:loc[3]]
		key := ""
		if loc[4] >= 0 {
			key = tmpl[loc[4]:loc[5]]
		}

		value, err := lookup(name, key)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		last = loc[1]
	}

	tail := tmpl[last:]
	if strings.ContainsAny(tail, "{}") {
		return "", errors.Newf(errors.ErrorTypeValidation, "malformed template %q", tmpl)
	}
	b.WriteString(tail)

	return b.String(), nil
}

// formatTablePath resolves the destination table for a record. {param}
// placeholders come from the routing parameters, {item[field]} placeholders
// from the record itself.
func formatTablePath(tmpl string, record map[string]interface{}, params map[string]string) (string, error) {
	return substitute(tmpl, func(name, key string) (string, error) {
		if key != "" {
			if name != "item" {
				return "", errors.Newf(errors.ErrorTypeValidation,
					"table path template %q: only {item[...]} supports indexing, got %q", tmpl, name)
			}
			value, ok := record[key]
			if !ok {
				return "", errors.Newf(errors.ErrorTypeValidation,
					"table path template %q references missing record field %q", tmpl, key)
			}
			return templateValueString(value), nil
		}

		value, ok := params[name]
		if !ok {
			return "", errors.Newf(errors.ErrorTypeValidation,
				"table path template %q references missing parameter %q", tmpl, name)
		}
		return value, nil
	})
}

// formatStagePath resolves the staged-file path for one finalized batch.
func formatStagePath(tmpl, tablePath string, instanceMS int64, batchN int) (string, error) {
	return substitute(tmpl, func(name, key string) (string, error) {
		if key != "" {
			return "", errors.Newf(errors.ErrorTypeValidation,
				"stage path template %q does not support indexing", tmpl)
		}
		switch name {
		case "table_path":
			return tablePath, nil
		case "instance_ms":
			return strconv.FormatInt(instanceMS, 10), nil
		case "batch_n":
			return strconv.Itoa(batchN), nil
		default:
			return "", errors.Newf(errors.ErrorTypeValidation,
				"stage path template %q references unknown placeholder %q", tmpl, name)
		}
	})
}

// templateValueString renders a record value for path interpolation.
func templateValueString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
