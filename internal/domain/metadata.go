package domain

// Metadata is the camera.json document published next to each capture.
type Metadata struct {
	LastModified int64   `json:"last_modified"`
	SizeKB       float64 `json:"size_kb"`
}
