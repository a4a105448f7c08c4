package transformer

import (
	"strconv"
	"strings"
)

// mapColumnType maps a dictionary column type to a Debezium field type.
// NUMBER columns are integral only with an explicit zero scale, matching how
// the decoder yields int64 for literals without a fraction.
func mapColumnType(columnType string) string {
	upperType := strings.ToUpper(strings.TrimSpace(columnType))
	base, params := upperType, ""
	if i := strings.IndexByte(upperType, '('); i >= 0 {
		base = strings.TrimSpace(upperType[:i])
		params = strings.TrimSuffix(upperType[i+1:], ")")
	}

	switch base {
	case "INTEGER", "INT", "SMALLINT", "BIGINT", "PLS_INTEGER", "BINARY_INTEGER":
		return "int64"
	case "NUMBER", "NUMERIC", "DECIMAL":
		if integralScale(params) {
			return "int64"
		}
		return "double"
	case "FLOAT", "BINARY_FLOAT", "BINARY_DOUBLE", "REAL", "DOUBLE", "DOUBLE PRECISION":
		return "double"
	case "RAW", "LONG RAW", "BLOB", "BFILE":
		return "bytes"
	case "BOOLEAN", "BOOL":
		return "boolean"
	}

	// VARCHAR2, CHAR, CLOB, DATE, TIMESTAMP and anything unknown travel as text
	return "string"
}

// integralScale reports whether "p" or "p,0" declares no fractional digits
func integralScale(params string) bool {
	if params == "" {
		return false
	}
	parts := strings.Split(params, ",")
	if len(parts) == 1 {
		_, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		return err == nil
	}
	scale, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	return err == nil && scale == 0
}
