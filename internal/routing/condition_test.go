package routing

import (
	"testing"
	"time"

	"marketgate/models"
)

func evalCondition(t *testing.T, expr string, req *models.DataRequest) bool {
	t.Helper()
	node, err := parseCondition(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	ok, err := node.eval(requestView(req))
	if err != nil {
		t.Fatalf("eval %q: %v", expr, err)
	}
	return ok
}

func TestConditionComparisons(t *testing.T) {
	req := &models.DataRequest{
		Symbol:    "BTCUSDT",
		DataType:  models.DataTypeQuote,
		Frequency: "1m",
		Limit:     100,
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`symbol == "BTCUSDT"`, true},
		{`symbol != "BTCUSDT"`, false},
		{`data_type == "quote"`, true},
		{`limit <= 100`, true},
		{`limit < 100`, false},
		{`limit > 50 and frequency == "1m"`, true},
		{`limit > 500 or symbol == "BTCUSDT"`, true},
		{`not symbol == "ETHUSDT"`, true},
		{`(limit > 500 or limit < 10) and frequency == "1m"`, false},
		{`"BTCUSDT" == symbol`, true},
	}

	for _, tc := range cases {
		if got := evalCondition(t, tc.expr, req); got != tc.want {
			t.Errorf("%q = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestConditionTimeFields(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	req := &models.DataRequest{Symbol: "BTCUSDT", DataType: models.DataTypeOHLCV, StartTime: &start}

	if !evalCondition(t, `start_time > 0`, req) {
		t.Error("start_time should be set")
	}
	if evalCondition(t, `end_time > 0`, req) {
		t.Error("end_time should be unset")
	}
}

func TestConditionParseErrors(t *testing.T) {
	bad := []string{
		"",
		`symbol ==`,
		`symbol = "BTCUSDT"`,
		`exec("rm -rf /")`,
		`symbol == "unterminated`,
		`price > 10`, // unknown field
		`(symbol == "A"`,
		`symbol == "A" extra`,
	}
	for _, expr := range bad {
		if _, err := parseCondition(expr); err == nil {
			t.Errorf("expected parse error for %q", expr)
		}
	}
}

func TestConditionTypeMismatchFailsEvaluation(t *testing.T) {
	node, err := parseCondition(`symbol > 10`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req := &models.DataRequest{Symbol: "BTCUSDT", DataType: models.DataTypeQuote}
	if _, err := node.eval(requestView(req)); err == nil {
		t.Fatal("expected type mismatch error")
	}
}
