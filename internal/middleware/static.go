package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const avatarSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" rx="100" fill="#6366f1"/><circle cx="100" cy="78" r="34" fill="#fff" opacity="0.9"/><path d="M40 170c8-34 32-52 60-52s52 18 60 52" fill="#fff" opacity="0.9"/></svg>`

// StaticFileServer serves shop logos and customer avatars uploaded by the
// mobile app, falling back to a generic avatar when the file is missing.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(avatarSVG))
	})
}
