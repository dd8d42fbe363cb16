package api

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"thrilha/auth"
	"thrilha/blobstore"
)

const (
	identityKey     = "identity"
	authDurationKey = "authDuration"
)

// Authenticator verifies the Authorization header of a request.
type Authenticator interface {
	IdentityFromAuthHeader(header string) (auth.Identity, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller's identity on the context.
func RequireAuth(a Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			id, err := a.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			c.Set(authDurationKey, time.Since(start))
			if err != nil {
				return c.String(http.StatusUnauthorized, err.Error())
			}
			c.Set(identityKey, id)
			return next(c)
		}
	}
}

func identity(c echo.Context) auth.Identity {
	id, _ := c.Get(identityKey).(auth.Identity)
	return id
}

func authDuration(c echo.Context) time.Duration {
	d, _ := c.Get(authDurationKey).(time.Duration)
	return d
}

// maxInflatedBody caps a decompressed request body: an upload plus form
// overhead.
const maxInflatedBody = blobstore.MaxUploadSize + maxBodySize

// GunzipBody inflates gzip request bodies before handlers read them. Corrupt
// streams are rejected with errInvalidBody and bodies that inflate past
// maxInflatedBody with errBodyTooLarge.
func GunzipBody(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isGzipped(req.Header.Values(echo.HeaderContentEncoding)) {
				return next(c)
			}
			body, err := inflate(req.Body, maxInflatedBody)
			_ = req.Body.Close()
			if err != nil {
				return writeError(c, logger, err)
			}
			req.Body = io.NopCloser(bytes.NewReader(body))
			req.ContentLength = int64(len(body))
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Set(echo.HeaderContentLength, strconv.Itoa(len(body)))
			return next(c)
		}
	}
}

func inflate(r io.Reader, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errInvalidBody
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, errInvalidBody
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func isGzipped(values []string) bool {
	for _, v := range values {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
				return true
			}
		}
	}
	return false
}
