package mntns

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernelsu/ksud/internal/ksuerr"
)

type fakeSyscalls struct {
	calls   []string
	openErr error
	setErr  error
	unErr   error
	nextFD  int
	closed  []int
}

func (f *fakeSyscalls) OpenNS(pid int) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("open %d", pid))
	if f.openErr != nil {
		return -1, f.openErr
	}
	f.nextFD++
	return 100 + f.nextFD, nil
}

func (f *fakeSyscalls) Setns(fd int) error {
	f.calls = append(f.calls, fmt.Sprintf("setns %d", fd))
	return f.setErr
}

func (f *fakeSyscalls) Unshare() error {
	f.calls = append(f.calls, "unshare")
	return f.unErr
}

func (f *fakeSyscalls) Close(fd int) error {
	f.closed = append(f.closed, fd)
	return nil
}

func TestEnter_SwitchesThenUnshares(t *testing.T) {
	sys := &fakeSyscalls{}
	c := New(sys, nil)

	require.NoError(t, c.Enter())
	assert.Equal(t, []string{"open 1", "setns 101", "unshare"}, sys.calls)
	assert.True(t, c.Private())
	assert.True(t, c.Switched())

	require.NoError(t, c.EnterCanonical())
	assert.Equal(t, "setns 101", sys.calls[len(sys.calls)-1])
	assert.False(t, c.Private())

	require.NoError(t, c.Close())
	assert.Equal(t, []int{101}, sys.closed)
}

func TestSwitchTo_OpenFailure(t *testing.T) {
	sys := &fakeSyscalls{openErr: errors.New("ENOENT")}
	c := New(sys, nil)

	err := c.SwitchTo(4242)
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.NamespaceError))
	assert.Contains(t, err.Error(), "/proc/4242/ns/mnt")
	assert.False(t, c.Switched())
}

func TestSwitchTo_SetnsRejected(t *testing.T) {
	sys := &fakeSyscalls{setErr: errors.New("EPERM")}
	c := New(sys, nil)

	err := c.SwitchTo(1)
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.NamespaceError))
	assert.Equal(t, []int{101}, sys.closed, "handle is released on failure")
}

func TestSwitchTo_AfterUnshareRefused(t *testing.T) {
	sys := &fakeSyscalls{}
	c := New(sys, nil)
	require.NoError(t, c.Unshare())

	err := c.SwitchTo(1)
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.NamespaceError))
	assert.Equal(t, []string{"unshare"}, sys.calls)
}

func TestUnshare_Idempotent(t *testing.T) {
	sys := &fakeSyscalls{}
	c := New(sys, nil)
	require.NoError(t, c.Unshare())
	require.NoError(t, c.Unshare())
	assert.Equal(t, []string{"unshare"}, sys.calls)
}

func TestUnshare_Failure(t *testing.T) {
	c := New(&fakeSyscalls{unErr: errors.New("EPERM")}, nil)
	err := c.Unshare()
	require.Error(t, err)
	assert.True(t, ksuerr.Is(err, ksuerr.NamespaceError))
	assert.False(t, c.Private())
}

func TestEnterCanonical_WithoutSwitch(t *testing.T) {
	c := New(&fakeSyscalls{}, nil)
	err := c.EnterCanonical()
	assert.True(t, ksuerr.Is(err, ksuerr.NamespaceError))
}
