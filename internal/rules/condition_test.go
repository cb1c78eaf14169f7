package rules

import (
	"testing"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
)

func testRecord() *domain.EmailRecord {
	return &domain.EmailRecord{
		ID:              "rec-001",
		Timestamp:       time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC),
		Sender:          "jdoe@corp.example.com",
		Subject:         "Q4 Revenue Forecast",
		Attachments:     []string{"forecast.xlsx", "backup.zip"},
		Recipients:      "personal@gmail.com",
		RecipientDomain: "gmail.com",
		Leaver:          true,
		TerminationDate: "2025-03-21",
		WordlistSubject: "revenue",
		BusinessUnit:    "Finance",
		Department:      "FP&A",
		Justification:   "None",
	}
}

func TestEvaluateOperators(t *testing.T) {
	eval := NewEvaluator(EvaluatorOptions{FoldExactMatch: true})
	record := testRecord()

	tests := []struct {
		name string
		cond domain.Condition
		want bool
	}{
		{"EqualsMatch", domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "gmail.com"}, true},
		{"EqualsFoldsCase", domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "GMAIL.COM"}, true},
		{"EqualsMiss", domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "yahoo.com"}, false},
		{"NotEquals", domain.Condition{Field: "bunit", Operator: domain.OpNotEquals, Value: "Engineering"}, true},
		{"ContainsMatch", domain.Condition{Field: "subject", Operator: domain.OpContains, Value: "revenue"}, true},
		{"ContainsEmptyValueNeverMatches", domain.Condition{Field: "subject", Operator: domain.OpContains, Value: ""}, false},
		{"NotContains", domain.Condition{Field: "subject", Operator: domain.OpNotContains, Value: "invoice"}, true},
		{"StartsWith", domain.Condition{Field: "sender", Operator: domain.OpStartsWith, Value: "jdoe@"}, true},
		{"EndsWith", domain.Condition{Field: "sender", Operator: domain.OpEndsWith, Value: "@corp.example.com"}, true},
		{"InListMatch", domain.Condition{Field: "recipients_email_domain", Operator: domain.OpInList, Value: "gmail.com, yahoo.com, outlook.com"}, true},
		{"InListMiss", domain.Condition{Field: "recipients_email_domain", Operator: domain.OpInList, Value: "yahoo.com, outlook.com"}, false},
		{"GreaterThan", domain.Condition{Field: "hour", Operator: domain.OpGreaterThan, Value: "22"}, true},
		{"GreaterThanBoundaryExclusive", domain.Condition{Field: "hour", Operator: domain.OpGreaterThan, Value: "23"}, false},
		{"LessThan", domain.Condition{Field: "hour", Operator: domain.OpLessThan, Value: "23"}, false},
		{"NumericCoercionFailureNeverMatches", domain.Condition{Field: "subject", Operator: domain.OpGreaterThan, Value: "5"}, false},
		{"RegexMatch", domain.Condition{Field: "attachments", Operator: domain.OpRegex, Value: `\.zip$`}, true},
		{"RegexCaseInsensitiveDefault", domain.Condition{Field: "subject", Operator: domain.OpRegex, Value: `q4.+forecast`}, true},
		{"InvalidRegexNeverMatches", domain.Condition{Field: "subject", Operator: domain.OpRegex, Value: `([unclosed`}, false},
		{"IsEmptyNullishJustification", domain.Condition{Field: "justification", Operator: domain.OpIsEmpty}, true},
		{"IsNotEmpty", domain.Condition{Field: "wordlist_subject", Operator: domain.OpIsNotEmpty}, true},
		{"BoolFieldAsString", domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}, true},
		{"WeekdayField", domain.Condition{Field: "weekday", Operator: domain.OpEquals, Value: "monday"}, true},
		{"UnknownFieldNeverMatches", domain.Condition{Field: "no_such_field", Operator: domain.OpEquals, Value: "x"}, false},
		{"UnknownOperatorNeverMatches", domain.Condition{Field: "sender", Operator: "fuzzy_match", Value: "jdoe"}, false},
		{"FieldNameCaseInsensitive", domain.Condition{Field: "Recipients_Email_Domain", Operator: domain.OpEquals, Value: "gmail.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eval.Evaluate(&tt.cond, record); got != tt.want {
				t.Errorf("Evaluate(%s %s %q) = %v, want %v", tt.cond.Field, tt.cond.Operator, tt.cond.Value, got, tt.want)
			}
		})
	}
}

func TestEvaluateCaseSensitivity(t *testing.T) {
	record := testRecord()

	t.Run("StrictEqualsWithoutFold", func(t *testing.T) {
		eval := NewEvaluator(EvaluatorOptions{FoldExactMatch: false})
		cond := &domain.Condition{Field: "bunit", Operator: domain.OpEquals, Value: "finance"}
		if eval.Evaluate(cond, record) {
			t.Error("equals should be case-sensitive when FoldExactMatch is off")
		}
	})

	t.Run("CaseSensitiveFlagOverridesFold", func(t *testing.T) {
		eval := NewEvaluator(EvaluatorOptions{FoldExactMatch: true})
		cond := &domain.Condition{Field: "bunit", Operator: domain.OpContains, Value: "finance", CaseSensitive: true}
		if eval.Evaluate(cond, record) {
			t.Error("CaseSensitive flag should force exact casing for contains")
		}
	})

	t.Run("CaseSensitiveRegex", func(t *testing.T) {
		eval := NewEvaluator(EvaluatorOptions{})
		cond := &domain.Condition{Field: "subject", Operator: domain.OpRegex, Value: "q4", CaseSensitive: true}
		if eval.Evaluate(cond, record) {
			t.Error("case-sensitive regex should not match Q4 with lowercase pattern")
		}
	})
}

func TestEvaluateNullishValues(t *testing.T) {
	eval := NewEvaluator(EvaluatorOptions{FoldExactMatch: true})

	// Export rows carry literal "None"/"null" placeholders for empty fields.
	for _, placeholder := range []string{"None", "null", "N/A", "  ", "nil"} {
		record := testRecord()
		record.Justification = placeholder
		cond := &domain.Condition{Field: "justification", Operator: domain.OpIsEmpty}
		if !eval.Evaluate(cond, record) {
			t.Errorf("is_empty should treat %q as empty", placeholder)
		}
	}

	record := testRecord()
	record.Justification = "approved by manager"
	cond := &domain.Condition{Field: "justification", Operator: domain.OpIsEmpty}
	if eval.Evaluate(cond, record) {
		t.Error("is_empty should not match a real justification")
	}
}

func TestEvaluateNilCondition(t *testing.T) {
	eval := NewEvaluator(EvaluatorOptions{})
	if eval.Evaluate(nil, testRecord()) {
		t.Error("nil condition should never match")
	}
	if eval.Evaluate(&domain.Condition{Field: "sender"}, testRecord()) {
		t.Error("condition without operator should never match")
	}
}

func TestEvaluateExpression(t *testing.T) {
	exprs, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("NewCELEvaluator: %v", err)
	}
	eval := NewEvaluator(EvaluatorOptions{Expressions: exprs})
	record := testRecord()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"LeaverAfterHours", `leaver && hour >= 22`, true},
		{"DomainAndKeyword", `recipients_email_domain == "gmail.com" && wordlist_subject != ""`, true},
		{"NoMatch", `bunit == "Engineering"`, false},
		{"StringFunctions", `subject.contains("Forecast") || attachments.endsWith(".zip")`, true},
		{"CompileErrorFailsClosed", `leaver &&`, false},
		{"NonBoolFailsClosed", `hour + 1`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &domain.Condition{Operator: domain.OpExpression, Value: tt.expr}
			if got := eval.Evaluate(cond, record); got != tt.want {
				t.Errorf("expression %q = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}

	t.Run("NoEvaluatorFailsClosed", func(t *testing.T) {
		bare := NewEvaluator(EvaluatorOptions{})
		cond := &domain.Condition{Operator: domain.OpExpression, Value: "leaver"}
		if bare.Evaluate(cond, record) {
			t.Error("expression condition must fail closed without an evaluator")
		}
	})
}
