package engine

import "strings"

// conditionCodes maps exception condition names from EXCEPTION WHEN
// clauses and RAISE statements to their SQLSTATE. The list covers the
// conditions routines commonly name; an unknown name is kept verbatim
// so handler matching degrades to exact-name comparison.
var conditionCodes = map[string]string{
	"successful_completion":             "00000",
	"warning":                           "01000",
	"no_data":                           "02000",
	"connection_exception":              "08000",
	"connection_failure":                "08006",
	"feature_not_supported":             "0A000",
	"invalid_transaction_state":         "25000",
	"active_sql_transaction":            "25001",
	"read_only_sql_transaction":         "25006",
	"invalid_transaction_termination":   "2D000",
	"data_exception":                    "22000",
	"division_by_zero":                  "22012",
	"invalid_text_representation":       "22P02",
	"null_value_not_allowed":            "22004",
	"numeric_value_out_of_range":        "22003",
	"string_data_right_truncation":      "22001",
	"datetime_field_overflow":           "22008",
	"invalid_datetime_format":           "22007",
	"integrity_constraint_violation":    "23000",
	"restrict_violation":                "23001",
	"not_null_violation":                "23502",
	"foreign_key_violation":             "23503",
	"unique_violation":                  "23505",
	"check_violation":                   "23514",
	"exclusion_violation":               "23P01",
	"invalid_cursor_state":              "24000",
	"syntax_error":                      "42601",
	"insufficient_privilege":            "42501",
	"undefined_column":                  "42703",
	"undefined_function":                "42883",
	"undefined_table":                   "42P01",
	"undefined_object":                  "42704",
	"duplicate_column":                  "42701",
	"duplicate_table":                   "42P07",
	"duplicate_object":                  "42710",
	"ambiguous_column":                  "42702",
	"datatype_mismatch":                 "42804",
	"invalid_parameter_value":           "22023",
	"cardinality_violation":             "21000",
	"serialization_failure":             "40001",
	"deadlock_detected":                 "40P01",
	"transaction_rollback":              "40000",
	"insufficient_resources":            "53000",
	"disk_full":                         "53100",
	"out_of_memory":                     "53200",
	"too_many_connections":              "53300",
	"query_canceled":                    "57014",
	"admin_shutdown":                    "57P01",
	"lock_not_available":                "55P03",
	"object_in_use":                     "55006",
	"plpgsql_error":                     "P0000",
	"raise_exception":                   "P0001",
	"no_data_found":                     "P0002",
	"too_many_rows":                     "P0003",
	"assert_failure":                    "P0004",
	"internal_error":                    "XX000",
	"data_corrupted":                    "XX001",
	"sqlclient_unable_to_establish_sqlconnection": "08001",
}

// conditionCode resolves a handler condition to a SQLSTATE. OTHERS is
// kept as its own marker; a literal 'NNNNN' SQLSTATE condition passes
// through uppercased.
func conditionCode(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "others" {
		return "OTHERS"
	}
	if code, ok := conditionCodes[name]; ok {
		return code
	}
	if len(name) == 5 && isSQLState(name) {
		return strings.ToUpper(name)
	}
	return strings.ToUpper(name)
}

// knownCondition reports whether the name maps to a condition or is a
// syntactically valid SQLSTATE.
func knownCondition(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "others" {
		return true
	}
	if _, ok := conditionCodes[name]; ok {
		return true
	}
	return len(name) == 5 && isSQLState(name)
}

func isSQLState(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return len(s) == 5
}
