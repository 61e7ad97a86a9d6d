// Package storage keeps uploaded image files. The record store only holds the
// key returned here.
package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"
)

type Storage interface {
	Save(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Key lays files out as uploads/YYYY/MM/DD/<publicID><ext>.
func Key(publicID, ext string, at time.Time) string {
	return path.Join("uploads", at.UTC().Format("2006/01/02"), publicID+strings.ToLower(ext))
}

// CleanURL escapes spaces left in a formatted public URL.
func CleanURL(urlStr string) string {
	urlStr = strings.ReplaceAll(urlStr, " ", "%20")
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return urlStr
	}

	return parsedURL.String()
}
