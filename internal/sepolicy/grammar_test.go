package sepolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		in      string
		keyword Keyword
		atoms   int
	}{
		{"allow su system_file file read", Allow, 1},
		{"allow { su shell } system_file file { read open getattr }", Allow, 6},
		{"deny * system_file file write", Deny, 1},
		{"auditallow su * * *", AuditAllow, 1},
		{"dontaudit su kernel security read_policy", DontAudit, 1},
		{"allowxperm su devpts chr_file ioctl 0x5401-0x5403", AllowXperm, 1},
		{"permissive { su magisk }", Permissive, 2},
		{"enforce su", Enforce, 1},
		{"type ksu_file", Type, 1},
		{"type ksu_file { file_type data_file_type }", Type, 2},
		{"typeattribute ksu_file mlstrustedobject", TypeAttribute, 1},
		{"attribute ksu_attr", Attribute, 1},
		{"type_transition su system_file file ksu_file", TypeTransition, 1},
		{"type_transition su system_file file ksu_file special_name", TypeTransition, 1},
		{"type_change su tty chr_file su_tty", TypeChange, 1},
		{"type_member su tty chr_file su_tty", TypeMember, 1},
		{"genfscon proc /ksu u:object_r:ksu_file:s0", Genfscon, 1},
		{"allow{su}system_file file read", Allow, 1},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			st, err := Parse(tc.in, ParseOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.keyword, st.Keyword)
			assert.Len(t, st.Atoms(), tc.atoms)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"alow su system_file file read",
		"allow su system_file file",
		"allow su system_file file read extra",
		"allow { su system_file file read",
		"allow { } system_file file read",
		"allow su } file read",
		"allow { su { shell } } t c p",
		"permissive *",
		"type *",
		"typeattribute ksu_file",
		"allowxperm su devpts chr_file fcntl 0x1",
		"allowxperm su devpts chr_file ioctl 12",
		"genfscon proc ksu u:object_r:ksu_file:s0",
		"genfscon proc /ksu not-a-context",
		"allow su$ system_file file read",
		"attribute { a b }",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in, ParseOptions{})
			require.Error(t, err)
			assert.True(t, ksuerr.Is(err, ksuerr.ParseError), "got %v", err)
		})
	}
}

func TestParse_StrictNames(t *testing.T) {
	_, err := Parse("allow su vendor.file file read", ParseOptions{})
	require.NoError(t, err)

	_, err = Parse("allow su vendor.file file read", ParseOptions{StrictNames: true})
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.ParseError))
}

func TestAtoms_CartesianAndWildcard(t *testing.T) {
	st, err := Parse("allow { a b } * file { read write }", ParseOptions{})
	require.NoError(t, err)

	atoms := st.Atoms()
	require.Len(t, atoms, 4)
	for _, a := range atoms {
		assert.Equal(t, kernel.PolicyNormalPerm, a.Cmd)
		assert.EqualValues(t, 1, a.Subcmd)
		assert.Equal(t, "", a.Args[1], "wildcard travels as an empty argument")
		assert.Equal(t, "file", a.Args[2])
	}
	assert.Equal(t, [7]string{"a", "", "file", "read"}, atoms[0].Args)
	assert.Equal(t, [7]string{"b", "", "file", "write"}, atoms[3].Args)
}

func TestParsePatch_SeparatorsAndComments(t *testing.T) {
	text := `
# leading comment
allow su system_file file read; allow su system_file file write

permissive su   # trailing comment
`
	patch, err := ParsePatch(text, ParseOptions{})
	require.NoError(t, err)
	require.Len(t, patch, 3)
	assert.Equal(t, 3, patch[0].Line)
	assert.Equal(t, 3, patch[1].Line)
	assert.Equal(t, 5, patch[2].Line)
	assert.Equal(t, "permissive su", patch[2].String())
}

func TestParsePatch_ReportsOffendingLine(t *testing.T) {
	_, err := ParsePatch("allow a b c d\nbogus x\n", ParseOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Contains(t, err.Error(), "bogus x")
}

func TestStatementString_WithoutRaw(t *testing.T) {
	st := Statement{Keyword: Allow, Args: [][]string{{"a", "b"}, nil, {"file"}, {"read"}}}
	assert.Equal(t, "allow { a b } * file read", st.String())
}
