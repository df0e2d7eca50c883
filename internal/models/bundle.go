package models

// BundleHeader opens a multi-file bundle container.
type BundleHeader struct {
	Magic            [4]byte
	FormatVersion    uint8
	EntryCount       uint64
	TotalPayloadSize uint64
}

// BundleEntry precedes exactly SizeBytes of payload in the container.
type BundleEntry struct {
	Path      string
	SizeBytes uint64
}
