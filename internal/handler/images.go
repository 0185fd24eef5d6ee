package handler

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/httputil"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/svc"
	"github.com/parleyhq/parley/internal/types"
)

// maxImageBytes caps uploads; anything bigger is refused before it hits
// the disk.
const maxImageBytes = 20 << 20

// UploadImageHandler stores an image blob under the data dir and returns
// its id. Accepts a multipart "file" field or a raw body.
func UploadImageHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := readImageUpload(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if len(data) == 0 {
			httputil.BadRequest(w, "empty upload")
			return
		}

		dir := svcCtx.Config.ImagesDir()
		if err := os.MkdirAll(dir, 0o700); err != nil {
			logging.Errorf("Failed to create images dir: %v", err)
			httputil.InternalError(w, "failed to store image")
			return
		}

		id := db.NewID()
		if err := os.WriteFile(filepath.Join(dir, id), data, 0o600); err != nil {
			logging.Errorf("Failed to store image: %v", err)
			httputil.InternalError(w, "failed to store image")
			return
		}

		httputil.WriteJSON(w, http.StatusCreated, &types.UploadImageResponse{
			ID:  id,
			URL: "/images/" + id,
		})
	}
}

// ServeImageHandler serves a stored image. Ids are uuids, so anything
// else is rejected before touching the filesystem.
func ServeImageHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := httputil.PathVar(r, "id")
		if _, err := uuid.Parse(id); err != nil {
			httputil.NotFound(w, "image not found")
			return
		}

		path := filepath.Join(svcCtx.Config.ImagesDir(), id)
		f, err := os.Open(path)
		if err != nil {
			httputil.NotFound(w, "image not found")
			return
		}
		defer f.Close()

		head := make([]byte, 512)
		n, _ := f.Read(head)
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			httputil.InternalError(w, "failed to read image")
			return
		}

		w.Header().Set("Content-Type", http.DetectContentType(head[:n]))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		io.Copy(w, f)
	}
}

func readImageUpload(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxImageBytes)

	contentType := r.Header.Get("Content-Type")
	if len(contentType) >= 19 && contentType[:19] == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			return nil, err
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}

	return io.ReadAll(r.Body)
}
