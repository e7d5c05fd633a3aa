package blobstore

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// FilesystemRoute is the route which serves pre-signed URLs of the local filesystem
const FilesystemRoute = "/blobs/filesystem"

const maxUploadSize = 200 * 1024 * 1024

// LocalFilesystem stores blobs in a local folder. Every key is a folder containing a
// single file named "file".
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey

	mutex    sync.Mutex
	callback func(FileUpdatedEvent) error
}

// NewLocalFilesystem returns a new LocalFilesystem. If router is not nil, the route for
// pre-signed URLs is installed.
func NewLocalFilesystem(router *mux.Router, baseFolder string, publicURL url.URL, privateKey *rsa.PrivateKey) (*LocalFilesystem, error) {
	if privateKey == nil {
		logger.Default().Warn("No private key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")
		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(baseFolder, 0700); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{baseFolder: baseFolder, publicURL: publicURL, privateKey: privateKey}
	if router != nil {
		logger.Default().Debugln("filesystem routes enabled")
		logger.Default().Debugln("  handle route: " + FilesystemRoute + " GET,PUT,POST")
		router.Handle(FilesystemRoute, http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut, http.MethodPost)
	}
	return f, nil
}

func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key '%s'", key)
	}
	return nil
}

func (f *LocalFilesystem) filePath(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key), "file")
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// WithCallBack implements Driver
func (f *LocalFilesystem) WithCallBack(callback func(FileUpdatedEvent) error) {
	f.mutex.Lock()
	f.callback = callback
	f.mutex.Unlock()
}

// UploadData implements Driver
func (f *LocalFilesystem) UploadData(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.write(key, data)
}

// UploadDataIfMatch implements Driver
func (f *LocalFilesystem) UploadDataIfMatch(ctx context.Context, key string, data []byte, etag string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	current, err := os.ReadFile(f.filePath(key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if etag != "" {
			return "", fmt.Errorf("%s: %w", key, ErrPreconditionFailed)
		}
	case err != nil:
		return "", err
	default:
		if etag != etagOf(current) {
			return "", fmt.Errorf("%s: %w", key, ErrPreconditionFailed)
		}
	}
	return f.write(key, data)
}

func (f *LocalFilesystem) write(key string, data []byte) (string, error) {
	path := f.filePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

// Download implements Driver
func (f *LocalFilesystem) Download(ctx context.Context, key string) (Blob, error) {
	if err := validKey(key); err != nil {
		return Blob{}, err
	}
	data, err := os.ReadFile(f.filePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return Blob{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Blob{}, err
	}
	return Blob{Data: data, ETag: etagOf(data)}, nil
}

// Delete implements Driver
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
}

// DeleteAllWithPrefix implements Driver
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := f.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := f.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// ListAllWithPrefix implements Driver
func (f *LocalFilesystem) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := filepath.WalkDir(f.baseFolder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != "file" {
			return nil
		}
		rel, err := filepath.Rel(f.baseFolder, filepath.Dir(path))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

// GetPreSignedURL implements Driver
func (f *LocalFilesystem) GetPreSignedURL(method Method, key string, expireIn time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", time.Now().Add(expireIn).UTC().Format(time.RFC3339))
	v.Set("method", string(method))
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     f.publicURL.Path + FilesystemRoute,
		RawQuery: v.Encode(),
	}
	hashed := sha256.Sum256([]byte(u.Path + "?" + u.RawQuery))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", err
	}
	v.Set("signature", base64.RawURLEncoding.EncodeToString(signature))
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// isValid tells whether or not this url is valid
func (f *LocalFilesystem) isValid(u *url.URL) bool {
	v := u.Query()
	if validKey(v.Get("key")) != nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, v.Get("expiry"))
	if err != nil || t.Before(time.Now()) {
		return false
	}
	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return false
	}
	v.Del("signature")
	path := f.publicURL.Path + FilesystemRoute
	hashed := sha256.Sum256([]byte(path + "?" + v.Encode()))
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature) == nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	if !f.isValid(r.URL) {
		rlog.Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	v := r.URL.Query()
	key := v.Get("key")
	method := v.Get("method")
	if r.Method != method && !(r.Method == http.MethodPost && method == string(Put)) {
		rlog.Errorf("Signature valid for %s, but was used for %s", method, r.Method)
		http.Error(w, "not authorized", http.StatusForbidden)
		return
	}
	rlog.Infof("Filesystem: [%s] key: '%s'", r.Method, key)

	switch r.Method {
	case http.MethodGet:
		blob, err := f.Download(r.Context(), key)
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorf("Error 1205: Could not read key: '%s'", key)
			http.Error(w, "Error 1205", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Etag", `"`+blob.ETag+`"`)
		if ifNoneMatchFound(r.Header.Get("If-None-Match"), blob.ETag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(blob.Data)
	case http.MethodPut, http.MethodPost:
		var body io.Reader = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			if err := r.ParseMultipartForm(maxUploadSize); err != nil {
				rlog.WithError(err).Errorf("Error 1200: Could not call ParseMultipartForm key: '%s'", key)
				http.Error(w, "Error 1200", http.StatusBadRequest)
				return
			}
			file, _, err := r.FormFile(key)
			if err != nil {
				rlog.WithError(err).Errorf("Error 1201: Could not read FormFile key: '%s'", key)
				http.Error(w, "Error 1201", http.StatusBadRequest)
				return
			}
			defer file.Close()
			body = file
		}
		data, err := io.ReadAll(body)
		if err != nil {
			rlog.WithError(err).Errorf("Error 1204: Could not read body key: '%s'", key)
			http.Error(w, "Error 1204", http.StatusBadRequest)
			return
		}
		etag, err := f.UploadData(r.Context(), key, data)
		if err != nil {
			rlog.WithError(err).Errorf("Error 1203: Could not write key: '%s'", key)
			http.Error(w, "Error 1203", http.StatusInternalServerError)
			return
		}
		f.mutex.Lock()
		callback := f.callback
		f.mutex.Unlock()
		if callback != nil {
			event := FileUpdatedEvent{Type: "uploaded", Key: key, Size: int64(len(data)), Etags: etag}
			if err := callback(event); err != nil {
				rlog.WithError(err).Errorf("Error 1206: upload callback failed for key: '%s'", key)
			}
		}
		w.Header().Set("Etag", `"`+etag+`"`)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
