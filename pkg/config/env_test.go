package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvRefs(t *testing.T) {
	t.Setenv("EGTEST_SET", "value")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no reference", "plain text", "plain text"},
		{"braced", "${EGTEST_SET}", "value"},
		{"bare", "$EGTEST_SET", "value"},
		{"default used", "${EGTEST_UNSET:-fallback}", "fallback"},
		{"default ignored when set", "${EGTEST_SET:-fallback}", "value"},
		{"unset without default", "${EGTEST_UNSET}", ""},
		{"embedded", "dsn=${EGTEST_SET}&x=1", "dsn=value&x=1"},
		{"empty default", "${EGTEST_UNSET:-}", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvRefs(tt.in))
		})
	}
}

func TestCoerceScalar(t *testing.T) {
	assert.Equal(t, true, coerceScalar("true"))
	assert.Equal(t, false, coerceScalar("FALSE"))
	assert.Equal(t, 42, coerceScalar("42"))
	assert.Equal(t, 0.5, coerceScalar("0.5"))
	assert.Equal(t, "plain", coerceScalar("plain"))
}

func TestExpandEnvInDataWalksTree(t *testing.T) {
	t.Setenv("EGTEST_PORT", "8080")
	t.Setenv("EGTEST_FLAG", "true")

	in := map[string]interface{}{
		"server": map[string]interface{}{
			"port":    "${EGTEST_PORT}",
			"enabled": "${EGTEST_FLAG}",
		},
		"keys":    []interface{}{"${EGTEST_PORT}", "literal"},
		"untyped": "true",
		"number":  7,
	}

	out, ok := ExpandEnvInData(in).(map[string]interface{})
	assert.True(t, ok)

	server := out["server"].(map[string]interface{})
	assert.Equal(t, 8080, server["port"])
	assert.Equal(t, true, server["enabled"])

	keys := out["keys"].([]interface{})
	assert.Equal(t, 8080, keys[0])
	assert.Equal(t, "literal", keys[1])

	// Values untouched by expansion keep their original type: a literal
	// "true" string in YAML stays a string.
	assert.Equal(t, "true", out["untyped"])
	assert.Equal(t, 7, out["number"])
}
