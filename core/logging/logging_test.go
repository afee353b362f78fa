package logging

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rootzfs/rootzfs/core/secret"
)

func TestSetupSplitsSinks(t *testing.T) {
	fs := afero.NewMemMapFs()
	console := new(bytes.Buffer)

	logs, err := Setup(fs, "/tmp/rootzfs", console)
	require.NoError(t, err)

	logs.Logger.Debug("zpool create rpool")
	logs.Logger.Info("Creating pools")
	require.NoError(t, logs.Close())

	assert.Contains(t, console.String(), "Creating pools")
	assert.NotContains(t, console.String(), "zpool create")

	trace, err := afero.ReadFile(fs, "/tmp/rootzfs/install.log")
	require.NoError(t, err)
	assert.Contains(t, string(trace), "zpool create rpool")
	assert.Contains(t, string(trace), "Creating pools")
}

func TestRedactionRunsBeforeSinks(t *testing.T) {
	fs := afero.NewMemMapFs()
	console := new(bytes.Buffer)
	hook := secret.NewRedactHook()
	hook.Register(secret.New("s3cretpass"))

	logs, err := Setup(fs, "/logs", console, hook)
	require.NoError(t, err)

	logs.Logger.WithField("args", []string{"-o", "s3cretpass"}).Info("value s3cretpass")
	require.NoError(t, logs.Close())

	trace, err := afero.ReadFile(fs, "/logs/install.log")
	require.NoError(t, err)
	assert.NotContains(t, string(trace), "s3cretpass")
	assert.NotContains(t, console.String(), "s3cretpass")
}

func TestStoreAndFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	logs, err := Setup(fs, "/logs", new(bytes.Buffer))
	require.NoError(t, err)

	require.NoError(t, logs.Store(ZFSVersionFile, "zfs-2.1.5-1ubuntu6"))
	require.NoError(t, logs.Store(DisksFile, "sda"))

	content, err := afero.ReadFile(fs, "/logs/zfs_module_version.log")
	require.NoError(t, err)
	assert.Equal(t, "zfs-2.1.5-1ubuntu6", string(content))

	assert.Equal(t, []string{
		"/logs/install.log",
		"/logs/disks.log",
		"/logs/zfs_module_version.log",
	}, logs.Files())
}
