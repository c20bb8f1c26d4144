package copyutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpat78/FATtools/copyutil"
	"github.com/maxpat78/FATtools/mkfs"
	"github.com/maxpat78/FATtools/testutil"
	"github.com/maxpat78/FATtools/volume"
)

func openFreshVolume(t *testing.T) *volume.Volume {
	t.Helper()
	return testutil.OpenFreshFAT(t, 64<<20, mkfs.Params{})
}

func TestCopyIn_SingleFileAndTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.txt"), []byte("top level"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested"), 0o644))

	v := openFreshVolume(t)
	defer v.Close()

	err := copyutil.CopyIn([]string{
		filepath.Join(dir, "root.txt"),
		filepath.Join(dir, "sub"),
	}, v.Root, copyutil.Options{})
	require.NoError(t, err)

	names, err := v.Root.ListDir()
	require.NoError(t, err)
	assert.Contains(t, names, "root.txt")
	assert.Contains(t, names, "sub")

	sub, err := v.Root.OpenDir("sub")
	require.NoError(t, err)
	subEntries, err := sub.Iterator()
	require.NoError(t, err)
	var subNames []string
	for _, e := range subEntries {
		subNames = append(subNames, e.Name)
	}
	assert.Contains(t, subNames, "nested.txt")
}

func TestCopyOut_RoundTripsFileContent(t *testing.T) {
	v := openFreshVolume(t)
	defer v.Close()

	h, err := v.Root.Create("payload.bin", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("round trip me"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	outDir := t.TempDir()
	require.NoError(t, copyutil.CopyOut(v.Root, []string{"payload.bin"}, outDir, copyutil.Options{}))

	got, err := os.ReadFile(filepath.Join(outDir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, "round trip me", string(got))
}

func TestCopyTreeOut_PreservesStructure(t *testing.T) {
	v := openFreshVolume(t)
	defer v.Close()

	sub, err := v.Root.Mkdir("reports")
	require.NoError(t, err)
	h, err := sub.Create("q1.csv", 0)
	require.NoError(t, err)
	_, err = h.Write([]byte("a,b,c"))
	require.NoError(t, err)
	require.NoError(t, h.Close())

	outDir := t.TempDir()
	require.NoError(t, copyutil.CopyTreeOut(v.Root, outDir, copyutil.Options{}))

	got, err := os.ReadFile(filepath.Join(outDir, "reports", "q1.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", string(got))
}

func TestCopyClusters_ReturnsNewStartCluster(t *testing.T) {
	v := openFreshVolume(t)
	defer v.Close()

	h, err := v.Root.Create("orig.bin", 0)
	require.NoError(t, err)
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = h.Write(payload)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	rec, err := v.Root.Stat("orig.bin")
	require.NoError(t, err)

	newStart, err := v.CopyClusters(rec.StartCluster)
	require.NoError(t, err)
	assert.NotEqual(t, rec.StartCluster, newStart)
}
