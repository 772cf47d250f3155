package persist

const (
	decoderManifestName       = "decoder_manifest"
	collectionSchemeListName  = "collection_scheme_list"
	payloadMetadataName       = "payload_metadata"
	collectedDataDir          = "collected_data"
	workspaceDirName          = "FWE_Persistency"
	metadataSchemaVersion int = 1
)

// Metadata is the payload_metadata JSON document: the set of collected_data
// filenames the agent still has a reason to keep. Anything else found under
// collected_data/ at startup is garbage.
type Metadata struct {
	Version int      `json:"version"`
	Files   []string `json:"files"`
}
