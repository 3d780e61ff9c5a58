package webdav

import "time"

// Resource is one entry of a PROPFIND multistatus response.
// A zero ModTime means the server omitted getlastmodified.
type Resource struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	ETag    string
}
