package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootzfs/rootzfs/core/distro"
)

type step func() string

func registry() *Registry[step] {
	r := NewRegistry[step]()
	r.Generic("update_zed_cache", func() string { return "generic" })
	r.Variant("update_zed_cache", distro.Debian, func() string { return "debian" })
	r.Variant("configure_root_password", distro.UbuntuServer, func() string { return "server" })
	return r
}

func TestResolveOrder(t *testing.T) {
	r := registry()

	tests := []struct {
		step string
		id   distro.ID
		mode Mode
		want Resolution
		runs string
	}{
		{"update_zed_cache", distro.Debian, Required, Variant, "debian"},
		{"update_zed_cache", distro.Ubuntu, Required, Generic, "generic"},
		{"update_zed_cache", distro.Debian, Optional, Variant, "debian"},
		{"configure_root_password", distro.UbuntuServer, Optional, Variant, "server"},
		{"configure_root_password", distro.Ubuntu, Optional, Noop, ""},
		{"configure_root_password", distro.Ubuntu, Required, Missing, ""},
		{"does_not_exist", distro.LinuxMint, Optional, Noop, ""},
		{"does_not_exist", distro.LinuxMint, Required, Missing, ""},
	}

	for _, tt := range tests {
		fn, res := r.Resolve(tt.step, tt.id, tt.mode)
		assert.Equal(t, tt.want, res, "%s/%s/%s", tt.step, tt.id, tt.mode)
		if tt.runs != "" {
			require.NotNil(t, fn)
			assert.Equal(t, tt.runs, fn())
		} else {
			assert.Nil(t, fn)
		}
	}
}

func TestLookupMissing(t *testing.T) {
	r := registry()

	_, ok, err := r.Lookup("setup_partitions", distro.Ubuntu, Required)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingStep))
	assert.Contains(t, err.Error(), "setup_partitions")

	_, ok, err = r.Lookup("setup_partitions", distro.Ubuntu, Optional)
	assert.False(t, ok)
	assert.NoError(t, err)

	fn, ok, err := r.Lookup("update_zed_cache", distro.Elementary, Required)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "generic", fn())
}

func TestSteps(t *testing.T) {
	assert.Equal(t, []string{"configure_root_password", "update_zed_cache"}, registry().Steps())
}
