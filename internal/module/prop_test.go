package module

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProp(t *testing.T) {
	p, err := ParseProp(strings.NewReader(`# comment
id=zygisk_next
name = Zygisk Next
version=v1.2.3
versionCode=123
author=someone
description=does things = with equals
priority=42
updateReset=true
unknownKey=ignored
`))
	require.NoError(t, err)
	assert.Equal(t, "zygisk_next", p.ID)
	assert.Equal(t, "Zygisk Next", p.Name)
	assert.Equal(t, int64(123), p.VersionCode)
	assert.Equal(t, "does things = with equals", p.Description)
	require.NotNil(t, p.Priority)
	assert.Equal(t, 42, *p.Priority)
	assert.True(t, p.UpdateReset)
}

func TestParseProp_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":        "name=x\n",
		"short id":          "id=a\nname=x\n",
		"id with slash":     "id=a/b\nname=x\n",
		"missing name":      "id=abc\n",
		"negative code":     "id=abc\nname=x\nversionCode=-1\n",
		"bad priority":      "id=abc\nname=x\npriority=high\n",
		"bad reset":         "id=abc\nname=x\nupdateReset=maybe\n",
		"line without pair": "id=abc\nname=x\njunk\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseProp(strings.NewReader(text))
			assert.Error(t, err)
		})
	}
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("a1"))
	assert.True(t, ValidID("My.Module-x_y"))
	assert.False(t, ValidID("1abc"))
	assert.False(t, ValidID(".."))
	assert.False(t, ValidID("a"))
}
