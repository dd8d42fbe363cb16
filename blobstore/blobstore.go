// Package blobstore stores avatars and task attachments in Azure Blob Storage
// and hands out their public URLs.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/google/uuid"
)

// MaxUploadSize bounds avatars and attachments.
const MaxUploadSize = 10 << 20

var ErrTooLarge = errors.New("file exceeds the 10 MiB upload limit")

type blobAPI interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	CreateContainer(ctx context.Context, containerName string, o *azblob.CreateContainerOptions) (azblob.CreateContainerResponse, error)
}

type Store struct {
	client    blobAPI
	container string
	baseURL   string
}

// New connects to the account in connStr. publicURL replaces the account URL
// in returned links when set.
func New(connStr, container, publicURL string) (*Store, error) {
	client, err := azblob.NewClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, fmt.Errorf("blob client: %w", err)
	}
	base := publicURL
	if base == "" {
		base = client.URL()
	}
	return newStore(client, container, base), nil
}

func newStore(client blobAPI, container, baseURL string) *Store {
	return &Store{client: client, container: container, baseURL: strings.TrimRight(baseURL, "/")}
}

// EnsureContainer creates the container with anonymous read access to blobs.
func (s *Store) EnsureContainer(ctx context.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, &azblob.CreateContainerOptions{
		Access: to.Ptr(azblob.PublicAccessTypeBlob),
	})
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", s.container, err)
	}
	return nil
}

// Upload stores data under name and returns its public URL.
func (s *Store) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if len(data) > MaxUploadSize {
		return "", ErrTooLarge
	}
	contentType = DetectContentType(contentType, data)
	_, err := s.client.UploadBuffer(ctx, s.container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return s.PublicURL(name), nil
}

// Delete removes the blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, name, nil)
	if err == nil || bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete %s: %w", name, err)
}

// BlobName reverses PublicURL for links into this store's container.
func (s *Store) BlobName(publicURL string) (string, bool) {
	rest, ok := strings.CutPrefix(publicURL, s.baseURL+"/"+s.container+"/")
	if !ok || rest == "" {
		return "", false
	}
	parts := strings.Split(rest, "/")
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			return "", false
		}
		parts[i] = unescaped
	}
	return strings.Join(parts, "/"), true
}

func (s *Store) PublicURL(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + s.container + "/" + strings.Join(parts, "/")
}

// AvatarName is avatars/<user>/<uuid><ext>.
func AvatarName(userID, filename string) string {
	return "avatars/" + userID + "/" + uuid.NewString() + strings.ToLower(path.Ext(SanitizeFilename(filename)))
}

// AttachmentName is tasks/<task>/<uuid>/<filename>.
func AttachmentName(taskID, filename string) string {
	return "tasks/" + taskID + "/" + uuid.NewString() + "/" + SanitizeFilename(filename)
}

// SanitizeFilename keeps the base name and replaces characters that are
// awkward in URLs.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// inlineTypes may be served under their own type from the public container.
// Everything else, including SVG and HTML, is stored as octet-stream so an
// upload can never render as a page on the blob host.
var inlineTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"image/bmp":       true,
	"application/pdf": true,
	"application/zip": true,
	"text/plain":      true,
	"text/csv":        true,
	"audio/mpeg":      true,
	"video/mp4":       true,
}

const octetStream = "application/octet-stream"

// DetectContentType sniffs data and returns the type the blob is stored
// with. The declared type is only used when sniffing finds nothing specific,
// and only if it is in the inline allowlist.
func DetectContentType(declared string, data []byte) string {
	sniffed := http.DetectContentType(data)
	base := mediaType(sniffed)
	switch {
	case base == "text/plain":
		if d := mediaType(declared); d == "text/csv" {
			return d
		}
		return sniffed
	case base == octetStream:
		if d := mediaType(declared); inlineTypes[d] && !strings.HasPrefix(d, "image/") {
			return d
		}
		return octetStream
	case inlineTypes[base]:
		return sniffed
	}
	return octetStream
}

// IsImage reports whether a detected content type is an allowed image.
func IsImage(contentType string) bool {
	t := mediaType(contentType)
	return inlineTypes[t] && strings.HasPrefix(t, "image/")
}

func mediaType(contentType string) string {
	t, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return t
}
