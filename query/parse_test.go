package query

import (
	"testing"

	"github.com/sourcegraph/ursa"
)

func TestParsePlaintextPrimitive(t *testing.T) {
	cmd, err := Parse(`select "abc";`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel, ok := cmd.(*SelectCommand)
	if !ok {
		t.Fatalf("got %T, want *SelectCommand", cmd)
	}
	prim, ok := sel.Expr.(*Primitive)
	if !ok {
		t.Fatalf("got %T, want *Primitive", sel.Expr)
	}
	want := ursa.PlaintextQString([]byte("abc"))
	if len(prim.Value) != len(want) {
		t.Fatalf("Value = %v, want %v", prim.Value, want)
	}
	for i := range want {
		if prim.Value[i].PossibleValues()[0] != want[i].PossibleValues()[0] {
			t.Fatalf("Value[%d] = %v, want %v", i, prim.Value[i], want[i])
		}
	}
}

func TestParseEscapes(t *testing.T) {
	cmd, err := Parse(`select "\x41\n\t";`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prim := cmd.(*SelectCommand).Expr.(*Primitive)
	got := make([]byte, len(prim.Value))
	for i, tok := range prim.Value {
		got[i] = tok.PossibleValues()[0]
	}
	want := []byte{0x41, '\n', '\t'}
	if string(got) != string(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseAndOrPrecedence(t *testing.T) {
	cmd, err := Parse(`select "a" & "b" | "c";`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	or, ok := cmd.(*SelectCommand).Expr.(*Or)
	if !ok {
		t.Fatalf("top level = %T, want *Or", cmd.(*SelectCommand).Expr)
	}
	if len(or.Children) != 2 {
		t.Fatalf("Or has %d children, want 2", len(or.Children))
	}
	if _, ok := or.Children[0].(*And); !ok {
		t.Fatalf("first Or child = %T, want *And", or.Children[0])
	}
	if _, ok := or.Children[1].(*Primitive); !ok {
		t.Fatalf("second Or child = %T, want *Primitive", or.Children[1])
	}
}

func TestParseMinOf(t *testing.T) {
	cmd, err := Parse(`select min 2 of ("a", "b", "c");`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, ok := cmd.(*SelectCommand).Expr.(*MinOf)
	if !ok {
		t.Fatalf("got %T, want *MinOf", cmd.(*SelectCommand).Expr)
	}
	if m.Count != 2 || len(m.Children) != 3 {
		t.Fatalf("MinOf = %+v, want Count=2 with 3 children", m)
	}
}

func TestParseHexString(t *testing.T) {
	cmd, err := Parse(`select {41 ?2 3? ?? (11|22)};`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	prim := cmd.(*SelectCommand).Expr.(*Primitive)
	if len(prim.Value) != 5 {
		t.Fatalf("got %d tokens, want 5", len(prim.Value))
	}
	if prim.Value[0].NumPossibleValues() != 1 || prim.Value[0].PossibleValues()[0] != 0x41 {
		t.Fatalf("token 0 = %v, want single 0x41", prim.Value[0])
	}
	if prim.Value[1].NumPossibleValues() != 16 {
		t.Fatalf("token 1 (?2) = %d possibilities, want 16", prim.Value[1].NumPossibleValues())
	}
	if prim.Value[2].NumPossibleValues() != 16 {
		t.Fatalf("token 2 (3?) = %d possibilities, want 16", prim.Value[2].NumPossibleValues())
	}
	if prim.Value[3].NumPossibleValues() != 256 {
		t.Fatalf("token 3 (??) = %d possibilities, want 256", prim.Value[3].NumPossibleValues())
	}
	if prim.Value[4].NumPossibleValues() != 2 {
		t.Fatalf("token 4 (11|22) = %d possibilities, want 2", prim.Value[4].NumPossibleValues())
	}
}

func TestParseSelectWithTaintsAndDatasetsAndIterator(t *testing.T) {
	cmd, err := Parse(`select with taints ["t1", "t2"] with datasets ["d1"] into iterator "abc";`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel := cmd.(*SelectCommand)
	if len(sel.Taints) != 2 || sel.Taints[0] != "t1" || sel.Taints[1] != "t2" {
		t.Fatalf("Taints = %v", sel.Taints)
	}
	if len(sel.Datasets) != 1 || sel.Datasets[0] != "d1" {
		t.Fatalf("Datasets = %v", sel.Datasets)
	}
	if !sel.IntoIterator {
		t.Fatalf("IntoIterator = false, want true")
	}
}

func TestParseIndexFromList(t *testing.T) {
	cmd, err := Parse(`index from list "/tmp/files.txt" with [gram3 text4] nocheck;`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ic := cmd.(*IndexCommand)
	if ic.FromList != "/tmp/files.txt" {
		t.Fatalf("FromList = %q", ic.FromList)
	}
	if len(ic.Types) != 2 || ic.Types[0] != ursa.GRAM3 || ic.Types[1] != ursa.TEXT4 {
		t.Fatalf("Types = %v", ic.Types)
	}
	if !ic.NoCheck {
		t.Fatalf("NoCheck = false, want true")
	}
}

func TestParseReindexIteratorCompactDatasetConfig(t *testing.T) {
	cases := []string{
		`reindex "ds1" with [hash4];`,
		`iterator "it1" pop 10;`,
		`compact smart;`,
		`compact all;`,
		`dataset "ds1" taint "slow";`,
		`dataset "ds1" untaint "slow";`,
		`dataset "ds1" drop;`,
		`config get "key1" "key2";`,
		`config set "key1" 42;`,
		`status;`,
		`topology;`,
		`ping;`,
	}
	for _, c := range cases {
		if _, err := Parse(c); err != nil {
			t.Errorf("Parse(%q): %v", c, err)
		}
	}
}

// TestParsePrettyRoundTrip covers spec §8 property 7: parsing a command's
// pretty-printed form yields an equal pretty-printed form.
func TestParsePrettyRoundTrip(t *testing.T) {
	cases := []string{
		`select "abc";`,
		`select with taints ["x"] into iterator "a" & "b" | "c";`,
		`select min 3 of ("a", "b", "c", {41 ??});`,
		`index "f1" "f2" with [gram3];`,
		`reindex "ds1" with [wide8];`,
		`iterator "it1" pop 5;`,
		`compact all;`,
		`dataset "ds1" taint "x";`,
		`config set "k" 7;`,
		`status;`,
	}
	for _, c := range cases {
		cmd1, err := Parse(c)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c, err)
		}
		pretty1 := cmd1.Pretty()
		cmd2, err := Parse(pretty1 + ";")
		if err != nil {
			t.Fatalf("Parse(pretty(%q)=%q): %v", c, pretty1, err)
		}
		pretty2 := cmd2.Pretty()
		if pretty1 != pretty2 {
			t.Errorf("round trip mismatch: %q != %q", pretty1, pretty2)
		}
	}
}
