package coisvr

import (
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/mywrap/log"
)

const indexPage = "index.html"

// handleFiles serves the tree under Config_Root. It is the router's
// NotFound handler, so it sees every path that is not a registered route.
func (s *Server) handleFiles() http.HandlerFunc {
	root := http.Dir(s.conf.Root)
	lister := http.FileServer(root) // only used for directory listings
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, r)
			return
		}
		upath := r.URL.Path
		if !strings.HasPrefix(upath, "/") {
			upath = "/" + upath
		}
		// http_Dir cleans again, but name is also used for the index lookup
		name := path.Clean(upath)
		f, err := root.Open(name)
		if err != nil {
			s.notFound(w, r, err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			s.notFound(w, r, err)
			return
		}
		if !info.IsDir() {
			s.serveFile(w, r, f, info)
			return
		}

		if !strings.HasSuffix(upath, "/") {
			localRedirect(w, r, path.Base(upath)+"/")
			return
		}
		dirPath := strings.TrimSuffix(name, "/") + "/"
		if index, err := root.Open(dirPath + indexPage); err == nil {
			defer index.Close()
			if indexInfo, err := index.Stat(); err == nil && !indexInfo.IsDir() {
				s.serveFile(w, r, index, indexInfo)
				return
			}
		}
		// http_FileServer refuses ".." in the raw path, give it the clean one
		r2 := r.Clone(r.Context())
		r2.URL.Path = dirPath
		lister.ServeHTTP(w, r2)
	}
}

// serveFile responds the file content with Content-Type from the MIME table,
// http_ServeContent handles Content-Length, HEAD, Range and conditional GET.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request,
	f http.File, info os.FileInfo) {
	w.Header().Set("Content-Type", MimeType(s.conf.MimeTypes, info.Name()))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// methodNotAllowed answers files and routes alike, only GET and HEAD are served
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, HEAD")
	http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request, cause error) {
	log.Condf(s.conf.LogRequests, "file not found %v: %v: %v",
		GetRequestId(r), r.URL.Path, cause)
	http.Error(w, "404 page not found", http.StatusNotFound)
}

// localRedirect gives a relative redirect, keeping the query
func localRedirect(w http.ResponseWriter, r *http.Request, newPath string) {
	location := (&url.URL{Path: newPath}).String()
	if q := r.URL.RawQuery; q != "" {
		location += "?" + q
	}
	w.Header().Set("Location", location)
	w.WriteHeader(http.StatusMovedPermanently)
}
