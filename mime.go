package coisvr

import (
	"path"
	"strings"
)

// MimeOctetStream is the fallback type for extensions the table does not know
const MimeOctetStream = "application/octet-stream"

// DefaultMimeTypes returns a new copy of the extension to Content-Type table
// used by the demo server. The empty extension is the fallback entry.
func DefaultMimeTypes() map[string]string {
	return map[string]string{
		"":          MimeOctetStream,
		".manifest": "text/cache-manifest",
		".html":     "text/html",
		".png":      "image/png",
		".jpg":      "image/jpg",
		".svg":      "image/svg+xml",
		".css":      "text/css",
		".js":       "application/x-javascript",
		".wasm":     "application/wasm",
		".json":     "application/json",
		".xml":      "application/xml",
	}
}

// MimeType looks up the Content-Type of file name in table,
// ex: "x.wasm" -> "application/wasm", "x.foo" -> table[""].
func MimeType(table map[string]string, name string) string {
	ext := path.Ext(name)
	if t, found := table[ext]; found {
		return t
	}
	if t, found := table[strings.ToLower(ext)]; found {
		return t
	}
	if t, found := table[""]; found {
		return t
	}
	return MimeOctetStream
}

func cloneMimeTypes(table map[string]string) map[string]string {
	ret := make(map[string]string, len(table))
	for k, v := range table {
		ret[k] = v
	}
	return ret
}
