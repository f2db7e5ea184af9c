package s3blob

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polylive/internal/domain"
)

const listBody = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>snaps</Name><Prefix>snapshots/</Prefix><KeyCount>2</KeyCount><MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>snapshots/2025/12/25/013000.json</Key><LastModified>2025-12-25T01:30:00.000Z</LastModified><Size>12</Size></Contents>
  <Contents><Key>snapshots/2025/12/25/014500.json</Key><LastModified>2025-12-25T01:45:00.000Z</LastModified><Size>40</Size></Contents>
</ListBucketResult>`

const noSuchKeyBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

func newTestBucket(t *testing.T) (*Bucket, *[]string) {
	t.Helper()
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && (r.URL.Path == "/snaps" || r.URL.Path == "/snaps/"):
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, listBody)
		case r.Method == http.MethodGet && r.URL.Path == "/snaps/snapshots/missing.json":
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, noSuchKeyBody)
		case r.Method == http.MethodDelete:
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(context.Background(), ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "snaps",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return NewBucket(c), &deleted
}

func TestBucketListGetDelete(t *testing.T) {
	b, deleted := newTestBucket(t)
	ctx := context.Background()

	infos, err := b.List(ctx, "snapshots/")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "snapshots/2025/12/25/014500.json", infos[1].Path)
	assert.Equal(t, int64(40), infos[1].Size)
	assert.Equal(t, time.Date(2025, 12, 25, 1, 45, 0, 0, time.UTC), infos[1].LastModified.UTC())

	_, err = b.Get(ctx, "snapshots/missing.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, b.Delete(ctx, "snapshots/2025/12/25/013000.json"))
	assert.Equal(t, []string{"/snaps/snapshots/2025/12/25/013000.json"}, *deleted)
}
