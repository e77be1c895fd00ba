package sbdb_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilgaboury/sbdb"
)

func Test_Error_Carries_Op_And_Path(t *testing.T) {
	t.Parallel()

	db := openTestDB(t, sbdb.Options{})

	_, err := db.WriteFile("bad.lock")
	require.Error(t, err)

	var sErr *sbdb.Error

	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "write_file", sErr.Op)
	assert.Equal(t, "bad.lock", sErr.Path)
	assert.ErrorIs(t, err, sbdb.ErrInvalidPath)

	assert.Contains(t, err.Error(), `write_file "bad.lock"`)
}

func Test_Sentinels_Survive_Wrapping(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	db1, err := sbdb.Open(root, sbdb.Options{})
	require.NoError(t, err)

	db2, err := sbdb.Open(root, sbdb.Options{LockTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	guard, err := db1.WriteFile("k")
	require.NoError(t, err)
	defer guard.Close()

	_, err = db2.WriteFile("k")
	require.ErrorIs(t, err, sbdb.ErrAcquireTimeout)

	var sErr *sbdb.Error

	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, "write_file", sErr.Op)
}

func Test_Error_Unwrap_Chain(t *testing.T) {
	t.Parallel()

	inner := errors.New("boom")
	err := &sbdb.Error{Op: "op", Path: "p", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Equal(t, `op "p": boom`, err.Error())
}
