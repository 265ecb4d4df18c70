package pgdb

import (
	"strings"
	"testing"
)

func TestNormalizeSchema(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", DefaultSchema, false},
		{"  tenant_a ", "tenant_a", false},
		{"bad-name", "", true},
		{"x; DROP TABLE y", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeSchema(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("NormalizeSchema(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("NormalizeSchema(%q)=%q want %q", tt.in, got, tt.want)
		}
	}
}

func TestSchemaSQL_QuotesSchema(t *testing.T) {
	ddl, err := SchemaSQL("it_test")
	if err != nil {
		t.Fatalf("SchemaSQL: %v", err)
	}
	if strings.Contains(ddl, "__SCHEMA__") {
		t.Fatalf("placeholder left in DDL")
	}
	if !strings.Contains(ddl, `"it_test".assignments`) {
		t.Fatalf("expected quoted schema in DDL")
	}
}

func TestIdent(t *testing.T) {
	if got := Ident("livedesk", "messages"); got != `"livedesk"."messages"` {
		t.Fatalf("Ident: got %s", got)
	}
}
