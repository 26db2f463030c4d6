package ia

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient builds a client pointed at the test server, with pacing loose
// enough to never stall a test.
func testClient(server *httptest.Server) *Client {
	return New(Config{
		S3Endpoint:        server.URL,
		MetadataEndpoint:  server.URL,
		AccessKey:         "test-access",
		SecretKey:         "test-secret",
		RequestsPerSecond: 1000,
	})
}

func TestGetItemExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/metadata/permacap_2026-08-25", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"metadata": {
				"identifier": "permacap_2026-08-25",
				"collection": ["permacap", "web"],
				"mediatype": "web",
				"title": "Permacap archives: 2026-08-25",
				"addeddate": "2026-08-26 01:00:00"
			},
			"files": [
				{
					"name": "archive-AAAA-0001.warc.gz",
					"source": "original",
					"format": "Web ARChive GZ",
					"size": "20480",
					"md5": "d41d8cd98f00b204e9800998ecf8427e",
					"sha1": "da39a3ee5e6b4b0d3255bfef95601890afd80709",
					"title": "Example Page",
					"submitted-url": "https://example.org/"
				},
				{
					"name": "permacap_2026-08-25_meta.xml",
					"source": "metadata",
					"size": "512"
				}
			],
			"files_count": 2,
			"item_size": 20992
		}`))
	}))
	defer server.Close()

	client := testClient(server)

	item, err := client.GetItem(context.Background(), "permacap_2026-08-25")
	require.NoError(t, err)
	require.True(t, item.Exists())

	assert.Equal(t, "permacap_2026-08-25", item.Identifier)
	assert.Equal(t, "permacap; web", item.Metadata["collection"])
	assert.Equal(t, "web", item.Metadata["mediatype"])
	assert.Equal(t, 2, item.FilesCount)
	assert.Equal(t, int64(20992), item.ItemSize)

	file := item.File("archive-AAAA-0001.warc.gz")
	require.NotNil(t, file)
	assert.Equal(t, int64(20480), file.Size)
	assert.Equal(t, "Web ARChive GZ", file.Format)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", file.SHA1)
	assert.Equal(t, "Example Page", file.Metadata["title"])
	assert.Equal(t, "https://example.org/", file.Metadata["submitted-url"])

	assert.Nil(t, item.File("archive-MISSING.warc.gz"))
}

func TestGetItemMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The metadata API answers 200 with an empty object for unknown
		// identifiers.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := testClient(server)

	item, err := client.GetItem(context.Background(), "permacap_2099-01-01")
	require.NoError(t, err)
	assert.False(t, item.Exists())
	assert.Empty(t, item.Files)
}

func TestGetItemServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := testClient(server)

	_, err := client.GetItem(context.Background(), "whatever")
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusInternalServerError, reqErr.StatusCode)
	assert.Contains(t, reqErr.Body, "boom")
}

func TestUploadFile(t *testing.T) {
	payload := []byte("warc bytes")

	var got struct {
		method        string
		path          string
		auth          string
		queueDerive   string
		autoMake      string
		metaTitle     string
		fileMetaGUID  string
		contentLength int64
		body          []byte
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.queueDerive = r.Header.Get("x-archive-queue-derive")
		got.autoMake = r.Header.Get("x-archive-auto-make-bucket")
		got.metaTitle = r.Header.Get("x-archive-meta-title")
		got.fileMetaGUID = r.Header.Get("x-archive-filemeta-guid")
		got.contentLength = r.ContentLength
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server)

	err := client.UploadFile(context.Background(), UploadRequest{
		Bucket: "permacap_2026-08-25",
		Key:    WARCKey("AAAA-0001"),
		Body:   bytes.NewReader(payload),
		Size:   int64(len(payload)),
		ItemMetadata: map[string]string{
			"title": "Permacap archives: 2026-08-25",
		},
		FileMetadata: map[string]string{
			"guid": "AAAA-0001",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPut, got.method)
	assert.Equal(t, "/permacap_2026-08-25/archive-AAAA-0001.warc.gz", got.path)
	assert.Equal(t, "LOW test-access:test-secret", got.auth)
	assert.Equal(t, "0", got.queueDerive)
	assert.Equal(t, "1", got.autoMake)
	assert.Equal(t, "Permacap archives: 2026-08-25", got.metaTitle)
	assert.Equal(t, "AAAA-0001", got.fileMetaGUID)
	assert.Equal(t, int64(len(payload)), got.contentLength)
	assert.Equal(t, payload, got.body)
}

func TestUploadFileWithoutItemMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No metadata means no bucket creation request.
		assert.Empty(t, r.Header.Get("x-archive-auto-make-bucket"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server)

	err := client.UploadFile(context.Background(), UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   bytes.NewReader(nil),
	})
	require.NoError(t, err)
}

func TestUploadFileRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`<Error><Code>SlowDown</Code><Message>Please reduce your request rate.</Message></Error>`))
	}))
	defer server.Close()

	client := testClient(server)

	err := client.UploadFile(context.Background(), UploadRequest{
		Bucket: "bucket",
		Key:    "key",
		Body:   bytes.NewReader(nil),
	})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.False(t, IsBucketRace(err))
	assert.False(t, IsConnectionError(err))
}

func TestDeleteFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/permacap_2026-08-25/archive-AAAA-0001.warc.gz", r.URL.Path)
		assert.Equal(t, "LOW test-access:test-secret", r.Header.Get("Authorization"))
		assert.Equal(t, "0", r.Header.Get("x-archive-cascade-delete"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := testClient(server)

	err := client.DeleteFile(context.Background(), "permacap_2026-08-25", WARCKey("AAAA-0001"))
	require.NoError(t, err)
}

func TestDeleteFileError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer server.Close()

	client := testClient(server)

	err := client.DeleteFile(context.Background(), "bucket", "key")
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
}

func TestGetS3LoadInfo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "1", query.Get("check_limit"))
		assert.Equal(t, "test-access", query.Get("accesskey"))
		assert.Equal(t, "permacap_2026-08-25", query.Get("bucket"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"accesskey": "test-access",
			"bucket": "permacap_2026-08-25",
			"over_limit": 0,
			"detail": {
				"accesskey_ration": 100,
				"accesskey_tasks_queued": 85,
				"bucket_ration": 20,
				"bucket_tasks_queued": 2,
				"limit_reason": "",
				"rationing_engaged": 0,
				"rationing_level": 1399,
				"total_global_limit": 1799,
				"total_tasks_queued": 500
			}
		}`))
	}))
	defer server.Close()

	client := testClient(server)

	info, err := client.GetS3LoadInfo(context.Background(), "permacap_2026-08-25")
	require.NoError(t, err)

	assert.False(t, info.Overloaded())
	assert.True(t, info.AccessKeyShareApproaching(0.8), "85 queued of 100 granted is past an 0.8 margin")
	assert.False(t, info.BucketShareApproaching(0.8), "2 queued of 20 granted is well under margin")
	assert.False(t, info.GlobalShareApproaching(0.8))
}

func TestGetS3LoadInfoOverloaded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"over_limit": 1, "detail": {"limit_reason": "global rationing engaged"}}`))
	}))
	defer server.Close()

	client := testClient(server)

	info, err := client.GetS3LoadInfo(context.Background(), "bucket")
	require.NoError(t, err)
	assert.True(t, info.Overloaded())
	assert.Equal(t, "global rationing engaged", info.Detail.LimitReason)
}

func TestClientConnectionErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	client := testClient(server)
	server.Close()

	_, err := client.GetItem(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
	assert.False(t, IsRateLimited(err))
}
