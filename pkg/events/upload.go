package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	sqlitestore "github.com/ebobo/modem_health_go/pkg/store/sqlite"
)

// DefaultUploadTimeout bounds one upload.
const DefaultUploadTimeout = 30 * time.Second

// HTTPUploader POSTs each record as JSON to Endpoint, naming it with the
// `name` query parameter.
type HTTPUploader struct {
	Client   *http.Client
	Endpoint string
	Timeout  time.Duration
}

func NewHTTPUploader(endpoint string) *HTTPUploader {
	return &HTTPUploader{
		Client:   &http.Client{},
		Endpoint: endpoint,
		Timeout:  DefaultUploadTimeout,
	}
}

// ObjectName is the per-record name: device serial and event time in unix
// milliseconds.
func ObjectName(rec sqlitestore.Record) string {
	serial, _ := rec[FieldSerial].(string)
	if serial == "" {
		serial = "unknown"
	}
	var ms int64
	if ts, ok := rec[FieldTimestamp].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ms = t.UnixMilli()
		}
	}
	return fmt.Sprintf("%s-%d.json", serial, ms)
}

func (u *HTTPUploader) Upload(ctx context.Context, rec sqlitestore.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "unable to encode record")
	}
	target, err := url.Parse(u.Endpoint)
	if err != nil {
		return errors.Wrapf(err, "bad upload endpoint %q", u.Endpoint)
	}
	q := target.Query()
	q.Set("name", ObjectName(rec))
	target.RawQuery = q.Encode()

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "unable to build upload request")
	}
	req.Header.Set("Content-Type", "application/json")

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("upload rejected: %s", resp.Status)
	}
	return nil
}
