package ia

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to the Internet Archive's ias3 and metadata APIs.
type Client struct {
	s3URL          string
	metaURL        string
	accessKey      string
	secretKey      string
	requestTimeout time.Duration
	httpClient     *http.Client
	limiter        *rate.Limiter
}

// New creates a client from the given configuration. Unset fields fall
// back to their defaults.
//
// The underlying HTTP client carries no global timeout: uploads of large
// WARCs run as long as the caller's context allows. Metadata reads and the
// load probe wrap their contexts with Config.RequestTimeout instead.
func New(cfg Config) *Client {
	cfg.ApplyDefaults()

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		s3URL:          strings.TrimRight(cfg.S3Endpoint, "/"),
		metaURL:        strings.TrimRight(cfg.MetadataEndpoint, "/"),
		accessKey:      cfg.AccessKey,
		secretKey:      cfg.SecretKey,
		requestTimeout: cfg.RequestTimeout,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

// GetItem fetches an item's metadata and file listing. Identifiers that do
// not exist yet yield an Item whose Exists method reports false; that is
// the API's answer, not an error.
func (c *Client) GetItem(ctx context.Context, identifier string) (*Item, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	endpoint := c.metaURL + "/metadata/" + url.PathEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.send(req, "get item "+identifier, statusOK)
	if err != nil {
		return nil, err
	}
	return decodeItem(identifier, body)
}

// UploadRequest describes one file PUT against the ias3 API.
type UploadRequest struct {
	// Bucket is the item identifier; Key is the file name within it.
	Bucket string
	Key    string

	// Body is the file content; Size its exact length in bytes.
	Body io.Reader
	Size int64

	// ItemMetadata becomes x-archive-meta-* headers. When non-empty the
	// upload also requests auto bucket creation, so the first file of a
	// new daily item creates the item itself.
	ItemMetadata map[string]string

	// FileMetadata becomes x-archive-filemeta-* headers, attached to the
	// uploaded file's listing entry.
	FileMetadata map[string]string

	// QueueDerive asks the archive to run its derive pipeline after the
	// upload. Replication leaves it off and batches derives separately.
	QueueDerive bool
}

// UploadFile PUTs one file into an item. The archive answers 200 when the
// upload has been accepted for asynchronous processing; acceptance is not
// completion, which the confirmation poller verifies later.
func (c *Client) UploadFile(ctx context.Context, up UploadRequest) error {
	endpoint := c.s3URL + "/" + url.PathEscape(up.Bucket) + "/" + url.PathEscape(up.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, up.Body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = up.Size

	c.authorize(req)
	req.Header.Set("x-archive-queue-derive", boolHeader(up.QueueDerive))
	if len(up.ItemMetadata) > 0 {
		req.Header.Set("x-archive-auto-make-bucket", "1")
	}
	for k, v := range up.ItemMetadata {
		req.Header.Set("x-archive-meta-"+k, headerValue(v))
	}
	for k, v := range up.FileMetadata {
		req.Header.Set("x-archive-filemeta-"+k, headerValue(v))
	}

	_, err = c.send(req, fmt.Sprintf("upload %s/%s", up.Bucket, up.Key), statusOK)
	return err
}

// DeleteFile removes one file from an item. Cascade deletion of derived
// files is left off; the archive's own derive run cleans those up. Any 2xx
// answer (the service uses 204) means the deletion was accepted.
func (c *Client) DeleteFile(ctx context.Context, bucket, key string) error {
	endpoint := c.s3URL + "/" + url.PathEscape(bucket) + "/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(req)
	req.Header.Set("x-archive-cascade-delete", "0")

	_, err = c.send(req, fmt.Sprintf("delete %s/%s", bucket, key), status2xx)
	return err
}

// GetS3LoadInfo probes the ias3 check_limit endpoint for the service's
// current load against this access key and the given bucket.
func (c *Client) GetS3LoadInfo(ctx context.Context, bucket string) (*LoadInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("check_limit", "1")
	query.Set("accesskey", c.accessKey)
	query.Set("bucket", bucket)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.s3URL+"/?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.send(req, "check limit", statusOK)
	if err != nil {
		return nil, err
	}

	info := &LoadInfo{}
	if err := decodeLoadInfo(body, info); err != nil {
		return nil, err
	}
	return info, nil
}

// send paces, executes, and vets one request, returning the response body.
// Non-accepted statuses come back as *RequestError with the body attached
// for phrase-based classification.
func (c *Client) send(req *http.Request, op string, accept func(int) bool) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response body: %w", op, err)
	}

	if !accept(resp.StatusCode) {
		return nil, &RequestError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// authorize attaches the ias3 credential header.
func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "LOW "+c.accessKey+":"+c.secretKey)
}

func statusOK(code int) bool { return code == http.StatusOK }

func status2xx(code int) bool { return code >= 200 && code < 300 }

func boolHeader(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// headerValue encodes a metadata value for header transport. Values that
// are not clean ASCII travel percent-encoded inside the API's uri(...)
// wrapper; the service decodes them on its side.
func headerValue(v string) string {
	if isCleanASCII(v) {
		return v
	}
	return "uri(" + percentEncode(v) + ")"
}

func isCleanASCII(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}

func percentEncode(s string) string {
	// QueryEscape's "+" for space is form encoding, not percent encoding.
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
