// Package download fetches files over HTTP so that an interrupted transfer
// resumes where it stopped, and a finished file only appears under its final
// name once its SHA-256 matches.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// PartSuffix names the sibling file a download is streamed into.
const PartSuffix = ".part"

// DefaultBlockSize is the streaming and hashing block size.
const DefaultBlockSize = 1 << 20

var (
	// ErrHashValidation means the finished file did not match the expected
	// digest. The partial file has been deleted.
	ErrHashValidation = errors.New("hash validation failed")

	// ErrContentLength means the server never reported a usable size.
	ErrContentLength = errors.New("content length unavailable")

	// ErrIncomplete means the transfer ended short of the reported size.
	// The partial file is kept for the next attempt.
	ErrIncomplete = errors.New("download incomplete")
)

type Downloader struct {
	Client    *http.Client
	BlockSize int
}

// New returns a Downloader using http.DefaultClient semantics and the
// default block size.
func New() *Downloader {
	return &Downloader{Client: &http.Client{}, BlockSize: DefaultBlockSize}
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) blockSize() int {
	if d.BlockSize > 0 {
		return d.BlockSize
	}
	return DefaultBlockSize
}

// DownloadWithResume fetches url into dest. It does nothing when dest
// already exists. expectedHash may be empty to skip validation.
func (d *Downloader) DownloadWithResume(ctx context.Context, url, dest, expectedHash string, timeout time.Duration) error {
	if _, err := os.Stat(dest); err == nil {
		log.Debug().Str("dest", dest).Msg("already downloaded")
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	part := dest + PartSuffix
	total, err := d.contentLength(ctx, url)
	if err != nil {
		return err
	}

	if total <= 0 {
		return errors.Wrapf(ErrContentLength, "no size reported for %s", url)
	}

	offset := fileSize(part)
	if offset < total {
		if err := d.fetch(ctx, url, part, offset); err != nil {
			log.Warn().Err(err).Str("url", url).Int64("offset", fileSize(part)).Msg("download interrupted, partial file kept")
			return err
		}
	}

	size := fileSize(part)
	if size != total {
		if size > total {
			// a partial longer than the file cannot be resumed
			os.Remove(part)
		}
		return errors.Wrapf(ErrIncomplete, "%s: have %d of %d bytes", url, size, total)
	}

	if expectedHash != "" {
		ok, err := ValidateFile(part, expectedHash, d.blockSize())
		if err != nil {
			return err
		}
		if !ok {
			os.Remove(part)
			return errors.Wrapf(ErrHashValidation, "%s does not match %s", url, expectedHash)
		}
	}

	if err := os.Rename(part, dest); err != nil {
		return errors.Wrapf(err, "unable to move %s into place", dest)
	}
	log.Info().Str("url", url).Str("dest", dest).Int64("bytes", total).Msg("download complete")
	return nil
}

// contentLength asks the server for the full size. A size of -1 means the
// server did not say.
func (d *Downloader) contentLength(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, errors.Wrap(err, "unable to build HEAD request")
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "HEAD %s", url)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("HEAD %s: unexpected status %s", url, resp.Status)
	}
	return resp.ContentLength, nil
}

// fetch streams url from offset into part.
func (d *Downloader) fetch(ctx context.Context, url, part string, offset int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "unable to build GET request")
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))

	resp, err := d.client().Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", url)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if offset > 0 && !strings.HasPrefix(resp.Header.Get("Content-Range"), fmt.Sprintf("bytes %d-", offset)) {
			return errors.Errorf("GET %s: server resumed at %q, wanted offset %d", url, resp.Header.Get("Content-Range"), offset)
		}
		flags |= os.O_APPEND
	case http.StatusOK:
		// range ignored, start over
		flags |= os.O_TRUNC
	default:
		return errors.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}

	f, err := os.OpenFile(part, flags, 0644)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", part)
	}
	defer f.Close()

	buf := make([]byte, d.blockSize())
	if _, err := io.CopyBuffer(onlyWriter{f}, onlyReader{resp.Body}, buf); err != nil {
		return errors.Wrapf(err, "streaming %s", url)
	}
	return errors.Wrapf(f.Sync(), "unable to sync %s", part)
}

// onlyReader and onlyWriter hide WriterTo/ReaderFrom so CopyBuffer honours
// the block size.
type onlyReader struct{ io.Reader }

type onlyWriter struct{ io.Writer }

// ValidateFile reports whether the SHA-256 of path equals expectedHash
// (hex, case-insensitive). blockSize <= 0 uses DefaultBlockSize.
func ValidateFile(path, expectedHash string, blockSize int) (bool, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.Open(path)
	if err != nil {
		return false, errors.Wrapf(err, "unable to open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, onlyReader{f}, buf); err != nil {
		return false, errors.Wrapf(err, "unable to hash %s", path)
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), strings.TrimSpace(expectedHash)), nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
