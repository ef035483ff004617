package objectclient

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/markdave123-py/docpipe/internal/core"
)

// ObjectURL is the virtual-hosted style URL of an object.
func ObjectURL(bucket, region, key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, region, key)
}

// ParseObjectURL extracts the bucket and key from a virtual-hosted style URL
// or an s3://bucket/key URI.
func ParseObjectURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse object url: %w", err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	switch u.Scheme {
	case "s3":
		bucket = u.Host
	case "https", "http":
		bucket, _, _ = strings.Cut(u.Host, ".")
	default:
		return "", "", fmt.Errorf("unsupported object url scheme %q", u.Scheme)
	}
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object url %q needs bucket and key", raw)
	}
	return bucket, key, nil
}

// mapError turns missing-object errors into core.ErrNotFound, keeping the
// original in the chain.
func mapError(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", core.ErrNotFound, err)
	}
	return err
}

type cancelOnClose struct {
	io.ReadCloser
	cancel func()
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
