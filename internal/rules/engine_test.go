package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	exprs, err := NewCELEvaluator()
	if err != nil {
		t.Fatalf("NewCELEvaluator: %v", err)
	}
	return NewEngine(exprs, EvaluatorOptions{FoldExactMatch: true})
}

func leafRule(id, name string, category domain.RuleCategory, severity domain.Severity, priority int, cond domain.Condition) *domain.Rule {
	return &domain.Rule{
		ID:       id,
		Name:     name,
		Category: category,
		Severity: severity,
		Priority: priority,
		Root:     domain.RuleNode{Condition: &cond},
		Enabled:  true,
	}
}

func engineRecords() []*domain.EmailRecord {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	records := []*domain.EmailRecord{
		{
			ID:              "rec-internal",
			Timestamp:       base,
			Sender:          "alice@corp.example.com",
			Subject:         "Lunch order",
			Recipients:      "catering@vendor.example.com",
			RecipientDomain: "vendor.example.com",
		},
		{
			ID:              "rec-leaver",
			Timestamp:       base.Add(14 * time.Hour),
			Sender:          "bob@corp.example.com",
			Subject:         "backup of everything",
			Attachments:     []string{"everything.zip"},
			Recipients:      "bob.home@gmail.com",
			RecipientDomain: "gmail.com",
			Leaver:          true,
		},
		{
			ID:              "rec-keyword",
			Timestamp:       base.Add(time.Hour),
			Sender:          "carol@corp.example.com",
			Subject:         "customer list export",
			Recipients:      "partner@partner.example.com",
			RecipientDomain: "partner.example.com",
			WordlistSubject: "customer list",
		},
	}
	return records
}

func TestLoadRules(t *testing.T) {
	engine := newTestEngine(t)

	rules := []*domain.Rule{
		leafRule("ex-1", "vendor-traffic", domain.RuleExclusion, "", 10,
			domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "vendor.example.com"}),
		leafRule("sec-1", "leaver-send", domain.RuleSecurity, domain.SeverityHigh, 5,
			domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}),
		leafRule("sec-disabled", "disabled-rule", domain.RuleSecurity, domain.SeverityLow, 1,
			domain.Condition{Field: "sender", Operator: domain.OpIsNotEmpty}),
	}
	rules[2].Enabled = false

	// Malformed rules are skipped, not fatal.
	rules = append(rules, &domain.Rule{
		ID: "sec-broken", Name: "broken", Category: domain.RuleSecurity, Enabled: true,
		Root: domain.RuleNode{Logic: "XOR"},
	})

	engine.LoadRules(rules)

	exclusion, security := engine.Counts()
	if exclusion != 1 || security != 1 {
		t.Errorf("Counts() = (%d, %d), want (1, 1)", exclusion, security)
	}

	if _, ok := engine.SecurityRule("sec-1"); !ok {
		t.Error("SecurityRule should find loaded rule sec-1")
	}
	if _, ok := engine.SecurityRule("sec-disabled"); ok {
		t.Error("disabled rule should not be loaded")
	}
}

func TestApplyExclusions(t *testing.T) {
	engine := newTestEngine(t)
	engine.LoadRules([]*domain.Rule{
		leafRule("ex-low", "catch-all-vendor", domain.RuleExclusion, "", 1,
			domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEndsWith, Value: "vendor.example.com"}),
		leafRule("ex-high", "vendor-exact", domain.RuleExclusion, "", 100,
			domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "vendor.example.com"}),
	})

	records := engineRecords()
	excluded := engine.ApplyExclusions(context.Background(), records)
	if excluded != 1 {
		t.Fatalf("ApplyExclusions = %d, want 1", excluded)
	}

	// First match by descending priority wins and is retained for explanation.
	if got := records[0].ExcludedBy; len(got) != 1 || got[0] != "ex-high" {
		t.Errorf("ExcludedBy = %v, want [ex-high]", got)
	}
	if records[1].Excluded() || records[2].Excluded() {
		t.Error("non-vendor records should not be excluded")
	}

	// Re-application is idempotent.
	if again := engine.ApplyExclusions(context.Background(), records); again != 0 {
		t.Errorf("second ApplyExclusions = %d, want 0", again)
	}
}

func TestApplySecurity(t *testing.T) {
	engine := newTestEngine(t)
	engine.LoadRules([]*domain.Rule{
		leafRule("sec-leaver", "leaver-send", domain.RuleSecurity, domain.SeverityHigh, 10,
			domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}),
		leafRule("sec-keyword", "keyword-subject", domain.RuleSecurity, domain.SeverityMedium, 5,
			domain.Condition{Field: "wordlist_subject", Operator: domain.OpIsNotEmpty}),
		{
			ID: "sec-night", Name: "after-hours-archive", Category: domain.RuleSecurity,
			Severity: domain.SeverityCritical, Priority: 20, Enabled: true,
			Root: domain.RuleNode{
				Logic: domain.LogicAnd,
				Children: []domain.RuleNode{
					{Condition: &domain.Condition{Field: "hour", Operator: domain.OpGreaterThan, Value: "21"}},
					{Condition: &domain.Condition{Field: "attachments", Operator: domain.OpEndsWith, Value: ".zip"}},
				},
			},
		},
	})

	records := engineRecords()

	leaverMatches := engine.ApplySecurity(context.Background(), records[1])
	if len(leaverMatches) != 2 {
		t.Fatalf("leaver record matches = %d, want 2", len(leaverMatches))
	}
	// Matches come back in priority order.
	if leaverMatches[0].RuleID != "sec-night" || leaverMatches[1].RuleID != "sec-leaver" {
		t.Errorf("match order = [%s %s], want [sec-night sec-leaver]", leaverMatches[0].RuleID, leaverMatches[1].RuleID)
	}
	if leaverMatches[0].Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want Critical", leaverMatches[0].Severity)
	}

	if matches := engine.ApplySecurity(context.Background(), records[0]); len(matches) != 0 {
		t.Errorf("clean record matches = %d, want 0", len(matches))
	}

	keywordMatches := engine.ApplySecurity(context.Background(), records[2])
	if len(keywordMatches) != 1 || keywordMatches[0].RuleID != "sec-keyword" {
		t.Errorf("keyword record matches = %v, want [sec-keyword]", keywordMatches)
	}
}

func TestEvalNodeLogic(t *testing.T) {
	engine := newTestEngine(t)
	record := engineRecords()[1] // leaver, gmail.com, .zip attachment

	tests := []struct {
		name string
		root domain.RuleNode
		want bool
	}{
		{
			"AndAllTrue",
			domain.RuleNode{Logic: domain.LogicAnd, Children: []domain.RuleNode{
				{Condition: &domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}},
				{Condition: &domain.Condition{Field: "recipients_email_domain", Operator: domain.OpEquals, Value: "gmail.com"}},
			}},
			true,
		},
		{
			"AndOneFalse",
			domain.RuleNode{Logic: domain.LogicAnd, Children: []domain.RuleNode{
				{Condition: &domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}},
				{Condition: &domain.Condition{Field: "bunit", Operator: domain.OpEquals, Value: "Finance"}},
			}},
			false,
		},
		{"AndEmptyIsTrue", domain.RuleNode{Logic: domain.LogicAnd}, true},
		{"OrEmptyIsFalse", domain.RuleNode{Logic: domain.LogicOr}, false},
		{
			"OrShortCircuits",
			domain.RuleNode{Logic: domain.LogicOr, Children: []domain.RuleNode{
				{Condition: &domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}},
				{Condition: &domain.Condition{Field: "no_such_field", Operator: domain.OpEquals, Value: "x"}},
			}},
			true,
		},
		{
			"NestedTree",
			domain.RuleNode{Logic: domain.LogicAnd, Children: []domain.RuleNode{
				{Condition: &domain.Condition{Field: "leaver", Operator: domain.OpEquals, Value: "true"}},
				{Logic: domain.LogicOr, Children: []domain.RuleNode{
					{Condition: &domain.Condition{Field: "wordlist_subject", Operator: domain.OpIsNotEmpty}},
					{Condition: &domain.Condition{Field: "attachments", Operator: domain.OpContains, Value: ".zip"}},
				}},
			}},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.evalNode(&tt.root, record); got != tt.want {
				t.Errorf("evalNode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateRule(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		rule    *domain.Rule
		wantErr bool
	}{
		{"NilRule", nil, true},
		{
			"ValidLeaf",
			leafRule("r1", "ok", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Field: "sender", Operator: domain.OpIsNotEmpty}),
			false,
		},
		{
			"MissingField",
			leafRule("r2", "bad", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Operator: domain.OpEquals, Value: "x"}),
			true,
		},
		{
			"MissingOperator",
			leafRule("r3", "bad", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Field: "sender"}),
			true,
		},
		{
			"UnknownLogic",
			&domain.Rule{ID: "r4", Name: "bad", Category: domain.RuleSecurity, Enabled: true,
				Root: domain.RuleNode{Logic: "NAND"}},
			true,
		},
		{
			"ValidExpression",
			leafRule("r5", "expr", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Operator: domain.OpExpression, Value: `leaver && hour >= 20`}),
			false,
		},
		{
			"MalformedExpression",
			leafRule("r6", "expr-bad", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Operator: domain.OpExpression, Value: `leaver &&`}),
			true,
		},
		{
			"NonBoolExpression",
			leafRule("r7", "expr-int", domain.RuleSecurity, domain.SeverityLow, 1,
				domain.Condition{Operator: domain.OpExpression, Value: `hour + 1`}),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.ValidateRule(tt.rule)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTestRule(t *testing.T) {
	engine := newTestEngine(t)
	records := engineRecords()

	rule := leafRule("preview", "personal-webmail", domain.RuleSecurity, domain.SeverityMedium, 1,
		domain.Condition{Field: "recipients_email_domain", Operator: domain.OpInList, Value: "gmail.com, yahoo.com"})

	matched, err := engine.TestRule(rule, records)
	if err != nil {
		t.Fatalf("TestRule: %v", err)
	}
	if len(matched) != 1 || matched[0] != "rec-leaver" {
		t.Errorf("matched = %v, want [rec-leaver]", matched)
	}

	// Dry-run does not require the rule to be loaded.
	if _, ok := engine.SecurityRule("preview"); ok {
		t.Error("TestRule must not load the rule")
	}

	bad := leafRule("bad", "bad", domain.RuleSecurity, domain.SeverityLow, 1,
		domain.Condition{Field: "sender"})
	if _, err := engine.TestRule(bad, records); err == nil {
		t.Error("TestRule should reject an invalid rule")
	}
}

func TestApplySecurityConcurrent(t *testing.T) {
	engine := newTestEngine(t)
	engine.LoadRules([]*domain.Rule{
		leafRule("sec-regex", "archive-attachment", domain.RuleSecurity, domain.SeverityMedium, 1,
			domain.Condition{Field: "attachments", Operator: domain.OpRegex, Value: `\.(zip|7z|rar)$`}),
	})

	// The regex cache is shared; concurrent first-use must be safe.
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			record := &domain.EmailRecord{
				ID:          fmt.Sprintf("rec-%d", n),
				Attachments: []string{"data.zip"},
			}
			if matches := engine.ApplySecurity(context.Background(), record); len(matches) != 1 {
				t.Errorf("record %d: matches = %d, want 1", n, len(matches))
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
