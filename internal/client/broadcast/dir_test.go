package broadcast

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldsync/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirChannel_DeliversAcrossEndpoints(t *testing.T) {
	dir := t.TempDir()
	a, err := OpenDir(dir, time.Minute, logging.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenDir(dir, time.Minute, logging.Nop())
	require.NoError(t, err)
	defer b.Close()

	var ga, gb collector
	a.Subscribe(ga.add)
	b.Subscribe(gb.add)

	require.NoError(t, a.Post([]byte(`{"n":1}`)))

	require.Eventually(t, func() bool { return len(gb.got()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`}, gb.got())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ga.got(), "own messages are skipped")
}

func TestDirChannel_IgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDir(dir, time.Minute, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	var got collector
	c.Subscribe(got.add)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.msg.json"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-peer-1.msg.json"), []byte("peer"), 0o600))

	require.Eventually(t, func() bool { return len(got.got()) > 0 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"peer"}, got.got())
}

func TestDirChannel_SweepRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDir(dir, time.Hour, logging.Nop())
	require.NoError(t, err)
	defer c.Close()

	old := filepath.Join(dir, "1-x-1.msg.json")
	fresh := filepath.Join(dir, "2-x-1.msg.json")
	keep := filepath.Join(dir, "state.db")
	for _, p := range []string{old, fresh, keep} {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(keep, past, past))

	assert.Equal(t, 1, c.sweep(time.Now()))
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, keep)
}

func TestDirChannel_PostAfterClose(t *testing.T) {
	c, err := OpenDir(t.TempDir(), 0, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Post([]byte("x")), ErrClosed)
}
