package workflow

import (
	"testing"
)

func TestCondition_Eval(t *testing.T) {
	doc := []byte(`{"order":{"total":150,"currency":"EUR","items":[1,2]},"customer":{"tier":"gold","vip":true},"flags":{"skip":false,"note":""},"missing":null,"status":"a&&b","label":"x==y || z","quote":"say \"hi\" && go"}`)

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"order.total > 100", true},
		{"order.total >= 150", true},
		{"order.total < 150", false},
		{"order.total <= 149.5", false},
		{"order.total == 150", true},
		{"order.total != 150", false},
		{`order.currency == "EUR"`, true},
		{"order.currency == EUR", true},
		{`order.currency != "USD"`, true},
		{"customer.vip == true", true},
		{"customer.vip != true", false},
		{"customer.vip", true},
		{"flags.skip", false},
		{"!flags.skip", true},
		{"flags.note", false},
		{"missing == null", true},
		{"order == null", false},
		{"nope.deep > 1", false},
		{"nope.deep != 1", true},
		{"order.items.#", true},
		{"order.items.# == 2", true},
		{`order.total > 100 && customer.tier == "gold"`, true},
		{`order.total > 100 && customer.tier == "silver"`, false},
		{`order.total > 1000 || customer.vip`, true},
		{`order.total > 1000 || flags.skip && customer.vip`, false},
		{`status == "a&&b"`, true},
		{`status != "a&&b"`, false},
		{`label == "x==y || z"`, true},
		{`label == "x==y || z" && customer.vip`, true},
		{`quote == "say \"hi\" && go"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCondition(tt.expr)
			if err != nil {
				t.Fatalf("workflow:condition_test - parse %q: %v", tt.expr, err)
			}
			if got := c.eval(doc); got != tt.want {
				t.Errorf("workflow:condition_test - %q = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestCondition_QuotedOperatorsStayInLiteral(t *testing.T) {
	tests := []struct {
		expr string
		path string
		op   string
		lit  string
	}{
		{`status == "a&&b"`, "status", "==", "a&&b"},
		{`note > "x==y"`, "note", ">", "x==y"},
		{`note != "p || q"`, "note", "!=", "p || q"},
	}
	for _, tt := range tests {
		c, err := parseCondition(tt.expr)
		if err != nil {
			t.Fatalf("workflow:condition_test - parse %q: %v", tt.expr, err)
		}
		if len(c.anyOf) != 1 || len(c.anyOf[0]) != 1 {
			t.Fatalf("workflow:condition_test - %q split into %v", tt.expr, c.anyOf)
		}
		got := c.anyOf[0][0]
		if got.path != tt.path || got.op != tt.op || got.lit != tt.lit {
			t.Errorf("workflow:condition_test - %q parsed as %+v", tt.expr, got)
		}
	}
}

func TestCondition_ParseErrors(t *testing.T) {
	for _, expr := range []string{"== 3", "a >", "a && ", "!", "a == [1]"} {
		if _, err := parseCondition(expr); err == nil {
			t.Errorf("workflow:condition_test - expected parse error for %q", expr)
		}
	}
}

func TestMapping_InputAndOutput(t *testing.T) {
	doc := []byte(`{"order":{"id":"o-1","total":42},"user":"ann"}`)

	in, err := buildInput(doc, map[string]string{"orderId": "order.id", "who": "user", "absent": "nope"})
	if err != nil {
		t.Fatalf("workflow:condition_test - buildInput: %v", err)
	}
	if in["orderId"] != "o-1" || in["who"] != "ann" {
		t.Errorf("workflow:condition_test - mapped input = %v", in)
	}
	if _, ok := in["absent"]; ok {
		t.Error("workflow:condition_test - missing paths must not produce keys")
	}

	all, _ := buildInput(doc, nil)
	if len(all) != 2 {
		t.Errorf("workflow:condition_test - unmapped input should be the whole context, got %v", all)
	}

	doc, err = applyOutput(doc, "charge", map[string]interface{}{"receipt": map[string]interface{}{"id": "r-9"}}, map[string]string{"payment.receiptId": "receipt.id"})
	if err != nil {
		t.Fatalf("workflow:condition_test - applyOutput: %v", err)
	}
	doc, err = applyOutput(doc, "notify", map[string]interface{}{"sent": true}, nil)
	if err != nil {
		t.Fatalf("workflow:condition_test - applyOutput: %v", err)
	}

	ctx := decodeDoc(doc)
	payment, _ := ctx["payment"].(map[string]interface{})
	if payment["receiptId"] != "r-9" {
		t.Errorf("workflow:condition_test - mapped output missing: %v", ctx)
	}
	notify, _ := ctx["notify"].(map[string]interface{})
	if notify["sent"] != true {
		t.Errorf("workflow:condition_test - unmapped output should land under the step id: %v", ctx)
	}
}
