package persist

import (
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/fleetedge/agent/cmn/stats"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Workspace is FWE_Persistency: decoder/campaign blob storage plus the
// collected_data/ cache and its payload_metadata manifest.
type Workspace struct {
	root string // <configured root>/FWE_Persistency
	data string // root/collected_data
	st   *stats.PersistStats
}

// NewWorkspace creates (if absent) <root>/FWE_Persistency and its
// collected_data subdirectory.
func NewWorkspace(root string, st *stats.PersistStats) (*Workspace, error) {
	w := &Workspace{
		root: filepath.Join(root, workspaceDirName),
		st:   st,
	}
	w.data = filepath.Join(w.root, collectedDataDir)
	if err := os.MkdirAll(w.data, 0o755); err != nil {
		return nil, errors.Wrapf(err, "persist: create workspace %q", w.root)
	}
	return w, nil
}

func (w *Workspace) path(name string) string { return filepath.Join(w.root, name) }

// SaveDecoderManifest and LoadDecoderManifest persist the raw decoder
// dictionary description blob, checksum-verified on read.
func (w *Workspace) SaveDecoderManifest(data []byte) error {
	return saveBlob(w.path(decoderManifestName), data)
}

func (w *Workspace) LoadDecoderManifest() ([]byte, error) {
	return loadBlob(w.path(decoderManifestName), w.st)
}

// SaveCollectionSchemeList and LoadCollectionSchemeList persist the raw set
// of campaign definitions last installed by the cloud.
func (w *Workspace) SaveCollectionSchemeList(data []byte) error {
	return saveBlob(w.path(collectionSchemeListName), data)
}

func (w *Workspace) LoadCollectionSchemeList() ([]byte, error) {
	return loadBlob(w.path(collectionSchemeListName), w.st)
}

// LoadMetadata reads payload_metadata. A missing file or a version mismatch
// both report as "no metadata" (an empty Metadata at the current version).
// A version mismatch or unparsable JSON also clears the file and the
// collected_data directory, per §6.3; a missing file clears nothing.
func (w *Workspace) LoadMetadata() (Metadata, error) {
	path := w.path(payloadMetadataName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{Version: metadataSchemaVersion}, nil
		}
		return Metadata{}, errors.Wrapf(err, "persist: read %q", path)
	}
	var m Metadata
	if err := jsonAPI.Unmarshal(raw, &m); err != nil || m.Version != metadataSchemaVersion {
		w.clearMetadataLocked()
		return Metadata{Version: metadataSchemaVersion}, nil
	}
	return m, nil
}

func (w *Workspace) clearMetadataLocked() {
	os.Remove(w.path(payloadMetadataName))
	os.RemoveAll(w.data)
	os.MkdirAll(w.data, 0o755)
}

func (w *Workspace) SaveMetadata(m Metadata) error {
	m.Version = metadataSchemaVersion
	raw, err := jsonAPI.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "persist: marshal payload_metadata")
	}
	if err := os.WriteFile(w.path(payloadMetadataName), raw, 0o644); err != nil {
		return errors.Wrapf(err, "persist: write %q", w.path(payloadMetadataName))
	}
	return nil
}

func (w *Workspace) collectedPath(filename string) string { return filepath.Join(w.data, filename) }

// SaveCollectedData writes a collected-data blob plus its checksum.
func (w *Workspace) SaveCollectedData(filename string, data []byte) error {
	return saveBlob(w.collectedPath(filename), data)
}

// LoadCollectedData reads and verifies a collected-data blob.
func (w *Workspace) LoadCollectedData(filename string) ([]byte, error) {
	return loadBlob(w.collectedPath(filename), w.st)
}

// RemoveCollectedData deletes a collected-data blob and its sidecar; callers
// are responsible for also dropping filename from the saved Metadata.
func (w *Workspace) RemoveCollectedData(filename string) {
	removeBlob(w.collectedPath(filename))
}

// CleanupUnreferenced removes any file under collected_data/ that isn't
// named in metadata.Files and whose extension isn't in doNotDeleteExts.
// Intended to run once at startup, per §6.3.
func (w *Workspace) CleanupUnreferenced(metadata Metadata, doNotDeleteExts []string) error {
	wanted := make(map[string]struct{}, len(metadata.Files))
	for _, f := range metadata.Files {
		wanted[f] = struct{}{}
		wanted[f+sha1Suffix] = struct{}{}
	}
	entries, err := os.ReadDir(w.data)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "persist: read %q", w.data)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := wanted[name]; ok {
			continue
		}
		if hasDoNotDeleteExt(name, doNotDeleteExts) {
			continue
		}
		os.Remove(filepath.Join(w.data, name))
	}
	return nil
}

func hasDoNotDeleteExt(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}
