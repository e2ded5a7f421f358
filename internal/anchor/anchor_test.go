package anchor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/complykit/auditledger/internal/fault"
	"github.com/complykit/auditledger/internal/ledger"
	"github.com/complykit/auditledger/internal/signing"
)

type fixture struct {
	store  *ledger.MemoryStore
	svc    *ledger.Service
	signer signing.Signer
	keys   *signing.KeyRing
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := signing.NewSigner(priv, "anchor-key")
	require.NoError(t, err)
	keys := signing.NewKeyRing()
	keys.Add(signer.KeyID(), signer.Public())

	store := ledger.NewMemoryStore()
	svc, err := ledger.NewService(ledger.Options{Store: store, Signer: signer, Keys: keys})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Append(context.Background(), "org-1", map[string]any{"n": i}, "")
		require.NoError(t, err)
	}
	return &fixture{store: store, svc: svc, signer: signer, keys: keys}
}

func TestAnchor_SignVerify(t *testing.T) {
	f := newFixture(t)
	a, err := New(f.signer, "org-1", ledger.Tail{Sequence: 2, ChainHash: "ab"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, a.Verify(f.keys))

	a.Sequence = 1
	err = a.Verify(f.keys)
	assert.ErrorIs(t, err, ErrBadAnchorSignature)
	assert.Equal(t, fault.KindIntegrity, fault.KindOf(err))
}

func TestFilePublisher_PublishCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &FilePublisher{Dir: t.TempDir()}

	_, err := p.Latest(ctx, "org-1")
	assert.ErrorIs(t, err, ErrNoAnchor)

	a, err := Publish(ctx, f.store, f.signer, p, "org-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Sequence)

	_, err = Publish(ctx, f.store, f.signer, p, "org-1")
	assert.ErrorIs(t, err, ErrAnchorExists, "same position must not be published twice")

	_, err = f.svc.Append(ctx, "org-1", map[string]any{"n": 3}, "")
	require.NoError(t, err)
	a2, err := Publish(ctx, f.store, f.signer, p, "org-1")
	require.NoError(t, err)

	latest, err := p.Latest(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, a2.Sequence, latest.Sequence)
	assert.Equal(t, a2.ChainHash, latest.ChainHash)
	require.NoError(t, Check(ctx, f.store, f.keys, latest))

	info, err := os.Stat(filepath.Join(p.Dir, "org-1", "00000000000000000003.json"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode().Perm()&0o222, "anchor files are read-only")
}

func TestCheck_DetectsRewrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := &FilePublisher{Dir: t.TempDir()}
	a, err := Publish(ctx, f.store, f.signer, p, "org-1")
	require.NoError(t, err)

	// A rewritten chain that still verifies internally.
	f.store.Tamper("org-1", 2, func(r *ledger.Record) { r.ChainHash = "f00d" })
	err = Check(ctx, f.store, f.keys, a)
	assert.ErrorIs(t, err, ErrAnchorMismatch)
	assert.Equal(t, fault.KindIntegrity, fault.KindOf(err))

	f.store.Drop("org-1", 2)
	err = Check(ctx, f.store, f.keys, a)
	assert.ErrorIs(t, err, ErrAnchorMismatch, "a truncated chain fails the anchor")
}

func TestPublish_EmptyChain(t *testing.T) {
	f := newFixture(t)
	_, err := Publish(context.Background(), f.store, f.signer, &FilePublisher{Dir: t.TempDir()}, "org-empty")
	assert.Error(t, err)
}

// fakeS3 keeps objects in memory and honours If-None-Match: *.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	if _, ok := f.objects[key]; ok && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = body
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	var keys []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Publisher(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := newFakeS3()
	p, err := NewS3Publisher(client, S3Config{Bucket: "ledger-anchors", Prefix: "prod", Retention: 24 * time.Hour})
	require.NoError(t, err)

	_, err = p.Latest(ctx, "org-1")
	assert.ErrorIs(t, err, ErrNoAnchor)

	a, err := Publish(ctx, f.store, f.signer, p, "org-1")
	require.NoError(t, err)
	_, err = Publish(ctx, f.store, f.signer, p, "org-1")
	assert.ErrorIs(t, err, ErrAnchorExists)

	require.Len(t, client.puts, 1)
	put := client.puts[0]
	assert.Equal(t, "prod/org-1/00000000000000000002.json", aws.ToString(put.Key))
	assert.Equal(t, types.ObjectLockModeCompliance, put.ObjectLockMode)
	require.NotNil(t, put.ObjectLockRetainUntilDate)
	assert.True(t, put.ObjectLockRetainUntilDate.After(time.Now().Add(23*time.Hour)))

	latest, err := p.Latest(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, a.ChainHash, latest.ChainHash)
	require.NoError(t, Check(ctx, f.store, f.keys, latest))
}

func TestNewS3Publisher_Validation(t *testing.T) {
	_, err := NewS3Publisher(nil, S3Config{Bucket: "b"})
	assert.Error(t, err)
	_, err = NewS3Publisher(newFakeS3(), S3Config{})
	assert.Error(t, err)
}
