package artifact

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves the subset of the path-style S3 API used by the store.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string][]byte
}

func xmlResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": {"application/xml"}},
	}
}

// decodeChunked strips aws-chunked framing from a streamed upload.
func decodeChunked(b []byte) ([]byte, error) {
	var out []byte
	rd := bufio.NewReader(bytes.NewReader(b))
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if i := strings.Index(line, ";"); i >= 0 {
			line = line[:i]
		}
		n, err := strconv.ParseInt(line, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		chunk := make([]byte, n+2)
		if _, err := io.ReadFull(rd, chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk[:n]...)
	}
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	switch {
	case req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2":
		prefix := req.URL.Query().Get("prefix")
		cont := req.URL.Query().Get("continuation-token")
		var keys []string
		for k := range f.state {
			if strings.HasPrefix(k, prefix) && k >= cont {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
		if len(keys) > 1 {
			// One key per page to exercise pagination.
			fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%s</NextContinuationToken>", keys[1])
			keys = keys[:1]
		} else {
			b.WriteString("<IsTruncated>false</IsTruncated>")
		}
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.state[k]))
		}
		b.WriteString("</ListBucketResult>")
		return xmlResponse(200, b.String()), nil

	case req.Method == http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			if body, err = decodeChunked(body); err != nil {
				return xmlResponse(400, "<Error><Code>BadRequest</Code></Error>"), nil
			}
		}
		f.state[key] = body
		resp := xmlResponse(200, "")
		resp.Header.Set("ETag", `"etag"`)
		return resp, nil

	case req.Method == http.MethodGet:
		body, ok := f.state[key]
		if !ok {
			return xmlResponse(404, "<Error><Code>NoSuchKey</Code><Message>no such key</Message></Error>"), nil
		}
		return &http.Response{
			StatusCode:    200,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
			Header: http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
				"Content-Type":   {"application/octet-stream"},
			},
		}, nil
	}

	return xmlResponse(501, ""), nil
}

func newFakeS3(t *testing.T, prefix string) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{state: make(map[string][]byte)}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3{client: client, bucket: "trials", prefix: prefix}, fake
}

// exerciseStore runs the behavior every driver shares.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "data/missing.csv")
	require.ErrorIs(t, err, ErrNotFound)

	info, err := PutBytes(ctx, s, "data/sim.csv", []byte("y,x\n1,2\n"))
	require.NoError(t, err)
	require.Equal(t, "data/sim.csv", info.Key)
	require.EqualValues(t, 8, info.Size)

	// Put replaces.
	_, err = PutBytes(ctx, s, "data/sim.csv", []byte("y,x\n3,4\n"))
	require.NoError(t, err)
	b, err := GetBytes(ctx, s, "data/sim.csv")
	require.NoError(t, err)
	require.Equal(t, "y,x\n3,4\n", string(b))

	_, err = PutBytes(ctx, s, "data/doses.csv", []byte("trt,dose\n"))
	require.NoError(t, err)
	_, err = PutBytes(ctx, s, "estimates.csv", []byte("model\n"))
	require.NoError(t, err)

	list, err := s.List(ctx, "data/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "data/doses.csv", list[0].Key)
	require.Equal(t, "data/sim.csv", list[1].Key)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	require.Equal(t, DriverMemory, m.Driver())
	exerciseStore(t, m)
}

func TestFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "art")
	s, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, DriverFilesystem, s.Driver())
	exerciseStore(t, s)

	_, err = os.Stat(filepath.Join(root, "data", "sim.csv"))
	require.NoError(t, err)

	for _, bad := range []string{"", "  ", "../x", "a/../../b", "/etc/passwd"} {
		_, err := PutBytes(context.Background(), s, bad, []byte("x"))
		require.Error(t, err, bad)
	}
}

func TestS3(t *testing.T) {
	s, fake := newFakeS3(t, "")
	require.Equal(t, DriverS3, s.Driver())
	exerciseStore(t, s)
	require.Contains(t, fake.state, "data/sim.csv")
}

func TestS3Prefix(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3(t, "run1/")
	_, err := PutBytes(ctx, s, "plot.png", []byte{1, 2, 3})
	require.NoError(t, err)
	require.Contains(t, fake.state, "run1/plot.png")

	list, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "plot.png", list[0].Key)
	require.EqualValues(t, 3, list[0].Size)
}

func TestNewS3(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)

	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "b",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		PathStyle:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "b", s.bucket)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "memory")
	s, err := Open(ctx)
	require.NoError(t, err)
	require.Equal(t, DriverMemory, s.Driver())

	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "")
	t.Setenv("CLOGLOG_ARTIFACT_FS_ROOT", t.TempDir())
	s, err = Open(ctx)
	require.NoError(t, err)
	require.Equal(t, DriverFilesystem, s.Driver())

	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "s3")
	t.Setenv("CLOGLOG_ARTIFACT_S3_BUCKET", "")
	_, err = Open(ctx)
	require.Error(t, err)

	t.Setenv("CLOGLOG_ARTIFACT_S3_BUCKET", "trials")
	s, err = Open(ctx)
	require.NoError(t, err)
	require.Equal(t, DriverS3, s.Driver())

	t.Setenv("CLOGLOG_ARTIFACT_DRIVER", "ftp")
	_, err = Open(ctx)
	require.ErrorIs(t, err, ErrUnsupported)
}
