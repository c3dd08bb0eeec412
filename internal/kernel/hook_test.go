package kernel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelsu/ksud/internal/kernel"
	"github.com/kernelsu/ksud/internal/kernel/kerneltest"
	"github.com/kernelsu/ksud/internal/ksuerr"
)

func TestProbe(t *testing.T) {
	assert.False(t, kernel.Probe(nil).Present)
	assert.False(t, kernel.Probe(&kerneltest.Hook{}).Present)

	caps := kernel.Probe(kerneltest.New(11986))
	assert.True(t, caps.Present)
	assert.EqualValues(t, 11986, caps.Version)
}

func TestRequire(t *testing.T) {
	_, err := kernel.Require(&kerneltest.Hook{}, "su.grant")
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.NotSupported))

	caps, err := kernel.Require(kerneltest.New(1), "su.grant")
	require.NoError(t, err)
	assert.True(t, caps.Present)
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "post-fs-data", kernel.EventPostFsData.String())
	assert.Equal(t, "module-mounted", kernel.EventModuleMounted.String())
	assert.Equal(t, "event(42)", kernel.Event(42).String())
}
