package decompiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDisassembler writes a tiny shell script that answers ?V with a
// version string and anything else with an empty JSON array, mimicking
// the external tool's line-oriented protocol closely enough to exercise
// the session's write/read loop.
func fakeDisassembler(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-decompiler.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    '?V') echo '{"version":"1.0"}' ;;
    *) echo '[]' ;;
  esac
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestOpenProbesVersion(t *testing.T) {
	bin := fakeDisassembler(t)
	target := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(target, []byte("MZfakepe"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Open(ctx, bin, target)
	require.NoError(t, err)
	defer sess.Close()
	require.Equal(t, StateReady, sess.State())
}

func TestCloseIsIdempotentAndKillsProcess(t *testing.T) {
	bin := fakeDisassembler(t)
	target := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(target, []byte("MZfakepe"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Open(ctx, bin, target)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	require.Equal(t, StateClosed, sess.State())
}

func TestSniffFormatDetectsELF(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sample.elf")
	require.NoError(t, os.WriteFile(target, []byte{0x7f, 'E', 'L', 'F', 0, 0, 0, 0}, 0o644))
	format, platform := SniffFormat(target)
	require.Equal(t, "ELF", format)
	require.Equal(t, "linux", platform)
}

func TestSHA256FileIsStable(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(target, []byte("hello"), 0o644))
	h1, err := SHA256File(target)
	require.NoError(t, err)
	h2, err := SHA256File(target)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}
