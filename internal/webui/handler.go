package webui

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jgarman/fatstage/internal/diskmanager"
)

// Handler manages HTTP requests for the staging API
type Handler struct {
	diskManager *diskmanager.Manager
	maxUpload   int64
	log         logrus.FieldLogger
}

// New creates a new staging API handler. Uploads larger than maxUpload
// bytes are rejected.
func New(dm *diskmanager.Manager, maxUpload int64, log logrus.FieldLogger) (*Handler, error) {
	if dm == nil {
		return nil, diskmanager.ErrDiskNotInitialized
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Handler{
		diskManager: dm,
		maxUpload:   maxUpload,
		log:         log,
	}, nil
}

// Router returns the API routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", h.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/upload", h.UploadHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/files/{path:.+}", h.PutFileHandler).Methods(http.MethodPut)
	r.HandleFunc("/api/files/{path:.+}", h.GetFileHandler).Methods(http.MethodGet)
	return r
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type stagedResponse struct {
	Success        bool   `json:"success"`
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	FilesExtracted int    `json:"filesExtracted,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps disk manager errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		status int
		msg    string
		tooBig *http.MaxBytesError
	)
	switch {
	case errors.Is(err, diskmanager.ErrInvalidPath):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, diskmanager.ErrReadOnly):
		status, msg = http.StatusForbidden, "Disk image is read-only."
	case errors.Is(err, diskmanager.ErrFileNotFound):
		status, msg = http.StatusNotFound, "File not found."
	case errors.Is(err, diskmanager.ErrDiskFull):
		status, msg = http.StatusInsufficientStorage, "Disk is full. Please clear some files and try again."
	case errors.As(err, &tooBig):
		status, msg = http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes.", tooBig.Limit)
	case errors.Is(err, diskmanager.ErrUnsupportedFAT):
		status, msg = http.StatusNotImplemented, err.Error()
	case errors.Is(err, diskmanager.ErrDiskNotInitialized):
		status, msg = http.StatusInternalServerError, "Disk not initialized."
	default:
		status, msg = http.StatusInternalServerError, fmt.Sprintf("Failed to stage file: %v", err)
	}
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// PutFileHandler stages the request body at the path named in the URL.
func (h *Handler) PutFileHandler(w http.ResponseWriter, r *http.Request) {
	filePath := diskmanager.NormalizePath(mux.Vars(r)["path"])
	if err := diskmanager.ValidatePath(filePath); err != nil {
		h.writeError(w, err)
		return
	}

	size := r.ContentLength
	if h.maxUpload > 0 {
		if size > h.maxUpload {
			h.writeError(w, &http.MaxBytesError{Limit: h.maxUpload})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	counter := &countingReader{reader: bufio.NewReaderSize(r.Body, 1024*1024)}
	err := h.diskManager.BeginTransaction(func(tx *diskmanager.Transaction) error {
		return tx.WriteFile(filePath, counter, size)
	})
	if err != nil {
		h.log.WithError(err).WithField("dest", filePath).Error("failed to stage upload")
		h.writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{"dest": filePath, "bytes": counter.count}).Info("staged upload")
	h.writeJSON(w, http.StatusCreated, stagedResponse{Success: true, Path: filePath, Size: counter.count})
}

// GetFileHandler streams a file back out of the image.
func (h *Handler) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	filePath := diskmanager.NormalizePath(mux.Vars(r)["path"])

	f, err := h.diskManager.ReadFile(filePath)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.log.WithError(err).WithField("path", filePath).Warn("failed to stream file")
	}
}

// UploadHandler handles multipart uploads. The first "file" part is staged
// in the image root, or under the "dir" form field when it precedes the
// file. Zip archives are extracted into the image.
func (h *Handler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid multipart request"})
		return
	}

	dir := "/"
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.writeError(w, err)
			return
		}

		switch part.FormName() {
		case "dir":
			b, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				h.writeError(w, err)
				return
			}
			dir = diskmanager.NormalizePath(strings.TrimSpace(string(b)))
			continue
		case "file":
		default:
			part.Close()
			continue
		}

		h.stagePart(w, part, dir)
		part.Close()
		return
	}

	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file provided"})
}

func (h *Handler) stagePart(w http.ResponseWriter, part *multipart.Part, dir string) {
	// Strip any client-side directories from the name.
	filename := path.Base(strings.ReplaceAll(part.FileName(), "\\", "/"))
	if filename == "" || filename == "." || filename == "/" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Empty filename"})
		return
	}

	bufferedReader := bufio.NewReaderSize(part, 1024*1024)

	if isZipFile(filename) {
		extracted, size, err := h.extractZipStream(bufferedReader, dir)
		if err != nil {
			h.log.WithError(err).WithField("archive", filename).Error("failed to extract archive")
			h.writeError(w, err)
			return
		}
		h.log.WithFields(logrus.Fields{"archive": filename, "files": extracted, "bytes": size}).Info("extracted archive")
		h.writeJSON(w, http.StatusOK, stagedResponse{Success: true, Path: dir, Size: size, FilesExtracted: extracted})
		return
	}

	filePath := path.Join(dir, filename)
	if err := diskmanager.ValidatePath(filePath); err != nil {
		h.writeError(w, err)
		return
	}

	counter := &countingReader{reader: bufferedReader}
	err := h.diskManager.BeginTransaction(func(tx *diskmanager.Transaction) error {
		// Size is unknown while streaming; the writer copies until EOF.
		return tx.WriteFile(filePath, counter, -1)
	})
	if err != nil {
		h.log.WithError(err).WithField("dest", filePath).Error("failed to stage upload")
		h.writeError(w, err)
		return
	}

	h.log.WithFields(logrus.Fields{"dest": filePath, "bytes": counter.count}).Info("staged upload")
	h.writeJSON(w, http.StatusOK, stagedResponse{Success: true, Path: filePath, Size: counter.count})
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	reader io.Reader
	count  int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.reader.Read(p)
	cr.count += int64(n)
	return n, err
}

// isZipFile checks if a filename has a .zip extension
func isZipFile(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), ".zip")
}

// climbsOut reports whether an archive entry name has a ".." component.
func climbsOut(name string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

// extractZipStream extracts a zip archive from reader into dir, all files
// in one transaction. Returns the number of files extracted and their
// total size.
func (h *Handler) extractZipStream(reader io.Reader, dir string) (int, int64, error) {
	// zip needs random access to the central directory
	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, reader); err != nil {
		return 0, 0, fmt.Errorf("failed to buffer zip file: %w", err)
	}

	zipReader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open zip file: %w", err)
	}

	filesExtracted := 0
	totalSize := int64(0)

	err = h.diskManager.BeginTransaction(func(tx *diskmanager.Transaction) error {
		for _, zipFile := range zipReader.File {
			if zipFile.FileInfo().IsDir() {
				continue
			}

			// Entries may not climb out of dir.
			if climbsOut(zipFile.Name) {
				return fmt.Errorf("%w: archive entry %q", diskmanager.ErrInvalidPath, zipFile.Name)
			}
			cleanPath := path.Join(dir, zipFile.Name)

			rc, err := zipFile.Open()
			if err != nil {
				return fmt.Errorf("failed to open file %s in zip: %w", zipFile.Name, err)
			}

			err = tx.WriteFile(cleanPath, rc, int64(zipFile.UncompressedSize64))
			rc.Close()
			if err != nil {
				return fmt.Errorf("failed to write file %s: %w", zipFile.Name, err)
			}

			filesExtracted++
			totalSize += int64(zipFile.UncompressedSize64)
			h.log.WithFields(logrus.Fields{"dest": cleanPath, "bytes": zipFile.UncompressedSize64}).Debug("extracted")
		}

		return nil
	})

	return filesExtracted, totalSize, err
}

type healthResponse struct {
	Status   string `json:"status"`
	Image    string `json:"image"`
	ReadOnly bool   `json:"read_only"`
}

// HealthHandler provides a health check endpoint
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Image:    h.diskManager.Path(),
		ReadOnly: h.diskManager.ReadOnly(),
	})
}
