package filter

import "testing"

func TestParseImplicitFieldShorthandIsEquality(t *testing.T) {
	n, err := Parse([]byte(`{"env":"prod"}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	eq, ok := n.(Eq)
	if !ok {
		t.Fatalf("Parse() = %T, want Eq", n)
	}
	if eq.Name != "env" || eq.Value != "prod" {
		t.Fatalf("Parse() = %+v, want {env prod}", eq)
	}
}

func TestParseImplicitMultiFieldIsAnd(t *testing.T) {
	n, err := Parse([]byte(`{"env":"prod","region":"us"}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	and, ok := n.(And)
	if !ok {
		t.Fatalf("Parse() = %T, want And", n)
	}
	if len(and.Children) != 2 {
		t.Fatalf("And.Children has %d entries, want 2", len(and.Children))
	}
}

func TestParseEmptyObjectIsVacuouslyTrue(t *testing.T) {
	n, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if and, ok := n.(And); !ok || len(and.Children) != 0 {
		t.Fatalf("Parse({}) = %+v, want empty And", n)
	}
}

func TestParseNamedOperators(t *testing.T) {
	cases := []struct {
		name string
		json string
		want Node
	}{
		{"eq", `{"env":{"$eq":"prod"}}`, Eq{Name: "env", Value: "prod"}},
		{"neq", `{"env":{"$neq":"prod"}}`, Neq{Name: "env", Value: "prod"}},
		{"gt", `{"~score":{"$gt":"5"}}`, Gt{Name: "~score", Value: "5"}},
		{"gte", `{"~score":{"$gte":"5"}}`, Gte{Name: "~score", Value: "5"}},
		{"lt", `{"~score":{"$lt":"5"}}`, Lt{Name: "~score", Value: "5"}},
		{"lte", `{"~score":{"$lte":"5"}}`, Lte{Name: "~score", Value: "5"}},
		{"like", `{"~name":{"$like":"foo%"}}`, Like{Name: "~name", Pattern: "foo%"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := Parse([]byte(tc.json))
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.json, err)
			}
			if n != tc.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tc.json, n, tc.want)
			}
		})
	}
}

func TestParseInAndNin(t *testing.T) {
	n, err := Parse([]byte(`{"env":{"$in":["prod","staging"]}}`))
	if err != nil {
		t.Fatalf("Parse($in) error: %v", err)
	}
	in, ok := n.(In)
	if !ok {
		t.Fatalf("Parse($in) = %T, want In", n)
	}
	if in.Name != "env" || len(in.Values) != 2 || in.Values[0] != "prod" || in.Values[1] != "staging" {
		t.Fatalf("Parse($in) = %+v, want {env [prod staging]}", in)
	}

	n, err = Parse([]byte(`{"env":{"$nin":["prod"]}}`))
	if err != nil {
		t.Fatalf("Parse($nin) error: %v", err)
	}
	nin, ok := n.(NotIn)
	if !ok {
		t.Fatalf("Parse($nin) = %T, want NotIn", n)
	}
	if nin.Name != "env" || len(nin.Values) != 1 || nin.Values[0] != "prod" {
		t.Fatalf("Parse($nin) = %+v, want {env [prod]}", nin)
	}
}

func TestParseComparisonOperatorsRejectEncryptedTags(t *testing.T) {
	for _, op := range []string{"$gt", "$gte", "$lt", "$lte", "$like"} {
		t.Run(op, func(t *testing.T) {
			_, err := Parse([]byte(`{"env":{"` + op + `":"x"}}`))
			if err == nil {
				t.Fatalf("Parse() with %s on an encrypted field did not error", op)
			}
		})
	}
}

func TestParseAndOr(t *testing.T) {
	n, err := Parse([]byte(`{"$and":[{"a":"1"},{"b":"2"}]}`))
	if err != nil {
		t.Fatalf("Parse($and) error: %v", err)
	}
	and, ok := n.(And)
	if !ok || len(and.Children) != 2 {
		t.Fatalf("Parse($and) = %+v, want a 2-child And", n)
	}

	n, err = Parse([]byte(`{"$or":[{"a":"1"},{"b":"2"}]}`))
	if err != nil {
		t.Fatalf("Parse($or) error: %v", err)
	}
	or, ok := n.(Or)
	if !ok || len(or.Children) != 2 {
		t.Fatalf("Parse($or) = %+v, want a 2-child Or", n)
	}
}

func TestParseNotCollapsesExistAndEq(t *testing.T) {
	n, err := Parse([]byte(`{"$not":{"$exist":["env"]}}`))
	if err != nil {
		t.Fatalf("Parse($not exist) error: %v", err)
	}
	if _, ok := n.(NotExist); !ok {
		t.Fatalf("Parse($not exist) = %T, want NotExist", n)
	}

	n, err = Parse([]byte(`{"$not":{"env":"prod"}}`))
	if err != nil {
		t.Fatalf("Parse($not eq) error: %v", err)
	}
	if _, ok := n.(Neq); !ok {
		t.Fatalf("Parse($not eq) = %T, want Neq", n)
	}
}

func TestParseExist(t *testing.T) {
	n, err := Parse([]byte(`{"$exist":["env","region"]}`))
	if err != nil {
		t.Fatalf("Parse($exist) error: %v", err)
	}
	ex, ok := n.(Exist)
	if !ok || len(ex.Names) != 2 {
		t.Fatalf("Parse($exist) = %+v, want Exist with 2 names", n)
	}
}

func TestParseRejectsMixedOperatorAndFieldKeys(t *testing.T) {
	_, err := Parse([]byte(`{"env":"prod","$and":[]}`))
	if err == nil {
		t.Fatal("Parse() with mixed operator and field keys did not error")
	}
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	_, err := Parse([]byte(`{"$bogus":[]}`))
	if err == nil {
		t.Fatal("Parse() with an unknown top-level operator did not error")
	}
}

func TestParseRejectsUnknownFieldOperator(t *testing.T) {
	_, err := Parse([]byte(`{"env":{"$bogus":"x"}}`))
	if err == nil {
		t.Fatal("Parse() with an unknown field operator did not error")
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	if err == nil {
		t.Fatal("Parse() with malformed JSON did not error")
	}
}

func TestParseInRejectsEmptyValues(t *testing.T) {
	_, err := Parse([]byte(`{"env":{"$in":[]}}`))
	if err == nil {
		t.Fatal("Parse() with an empty $in list did not error")
	}
}
