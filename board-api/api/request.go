package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"thrilha/blobstore"
	"thrilha/domain"
)

const maxBodySize = 1 << 20

// decode reads a JSON body, rejecting unknown fields.
func decode(c echo.Context, v any) error {
	dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errInvalidBody
	}
	return nil
}

// queryInt parses an optional positive integer parameter.
func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps and plain dates, which are read as
// midnight UTC.
func queryTime(c echo.Context, name string) (time.Time, bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, domain.Invalid(name, "must be an RFC 3339 timestamp or a YYYY-MM-DD date")
}

var (
	errInvalidBody  = errors.New("invalid body")
	errNoFile       = errors.New("missing file")
	errBodyTooLarge = errors.New("request body too large")
)

type upload struct {
	name        string
	contentType string
	data        []byte
}

// readUpload reads the "file" part of a multipart form.
func readUpload(c echo.Context) (upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return upload{}, errNoFile
	}
	if fh.Size > blobstore.MaxUploadSize {
		return upload{}, domain.Invalid("file", blobstore.ErrTooLarge.Error())
	}
	data, err := readPart(fh)
	if err != nil {
		return upload{}, err
	}
	if len(data) > blobstore.MaxUploadSize {
		return upload{}, domain.Invalid("file", blobstore.ErrTooLarge.Error())
	}
	return upload{name: fh.Filename, contentType: fh.Header.Get(echo.HeaderContentType), data: data}, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, blobstore.MaxUploadSize+1))
}
