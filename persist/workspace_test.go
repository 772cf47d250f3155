package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := NewWorkspace(t.TempDir(), nil)
	require.NoError(t, err)
	return w
}

func TestSaveLoadDecoderManifestRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveDecoderManifest([]byte("manifest-bytes")))

	got, err := w.LoadDecoderManifest()
	require.NoError(t, err)
	require.Equal(t, "manifest-bytes", string(got))
}

func TestLoadDecoderManifestMissingIsErrNoBlob(t *testing.T) {
	w := newTestWorkspace(t)
	_, err := w.LoadDecoderManifest()
	require.ErrorIs(t, err, ErrNoBlob)
}

func TestLoadDecoderManifestTamperedChecksumDiscardsFile(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveDecoderManifest([]byte("original")))

	path := w.path(decoderManifestName)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o644))

	_, err := w.LoadDecoderManifest()
	require.Error(t, err)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "mismatched blob should be deleted")
	_, statErr = os.Stat(path + sha1Suffix)
	require.True(t, os.IsNotExist(statErr), "sidecar should be deleted alongside")
}

func TestSaveLoadCollectionSchemeListRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveCollectionSchemeList([]byte("scheme-bytes")))

	got, err := w.LoadCollectionSchemeList()
	require.NoError(t, err)
	require.Equal(t, "scheme-bytes", string(got))
}

func TestLoadMetadataMissingFileReturnsEmptyAtCurrentVersion(t *testing.T) {
	w := newTestWorkspace(t)
	m, err := w.LoadMetadata()
	require.NoError(t, err)
	require.Equal(t, metadataSchemaVersion, m.Version)
	require.Empty(t, m.Files)
}

func TestSaveLoadMetadataRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveMetadata(Metadata{Files: []string{"a.bin", "b.bin"}}))

	m, err := w.LoadMetadata()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.bin", "b.bin"}, m.Files)
}

func TestLoadMetadataVersionMismatchClearsFileAndCollectedData(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveCollectedData("stale.bin", []byte("x")))
	require.NoError(t, os.WriteFile(w.path(payloadMetadataName), []byte(`{"version":99,"files":["stale.bin"]}`), 0o644))

	m, err := w.LoadMetadata()
	require.NoError(t, err)
	require.Equal(t, metadataSchemaVersion, m.Version)
	require.Empty(t, m.Files)

	_, statErr := os.Stat(filepath.Join(w.data, "stale.bin"))
	require.True(t, os.IsNotExist(statErr), "collected_data should be cleared on version mismatch")
}

func TestSaveLoadCollectedDataRoundTrip(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveCollectedData("chunk.bin", []byte("chunk-payload")))

	got, err := w.LoadCollectedData("chunk.bin")
	require.NoError(t, err)
	require.Equal(t, "chunk-payload", string(got))
}

func TestCleanupUnreferencedRemovesUnknownFiles(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveCollectedData("keep.bin", []byte("k")))
	require.NoError(t, w.SaveCollectedData("orphan.bin", []byte("o")))
	require.NoError(t, os.WriteFile(filepath.Join(w.data, "diag.10n"), []byte("d"), 0o644))

	err := w.CleanupUnreferenced(Metadata{Files: []string{"keep.bin"}}, []string{".10n"})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(w.data, "keep.bin"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(w.data, "keep.bin"+sha1Suffix))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(w.data, "diag.10n"))
	require.NoError(t, err, "do-not-delete extension must survive cleanup")

	_, err = os.Stat(filepath.Join(w.data, "orphan.bin"))
	require.True(t, os.IsNotExist(err), "unreferenced file should be removed")
}

func TestRemoveCollectedDataDeletesBlobAndSidecar(t *testing.T) {
	w := newTestWorkspace(t)
	require.NoError(t, w.SaveCollectedData("gone.bin", []byte("g")))
	w.RemoveCollectedData("gone.bin")

	_, err := os.Stat(filepath.Join(w.data, "gone.bin"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(w.data, "gone.bin"+sha1Suffix))
	require.True(t, os.IsNotExist(err))
}
