package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestRegistry_Dispatch(t *testing.T) {
	t.Setenv("AUDITLEDGER_TEST_SECRET", "s3cret")
	r := NewRegistry(EnvResolver{})

	got, err := r.Resolve(context.Background(), "env://AUDITLEDGER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	_, err = r.Resolve(context.Background(), "vault://kv/master")
	var unsupported *UnsupportedSchemeError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "vault", unsupported.Scheme)

	_, err = r.Resolve(context.Background(), "AUDITLEDGER_TEST_SECRET")
	var invalid *InvalidReferenceError
	assert.ErrorAs(t, err, &invalid)
}

func TestEnvResolver_Missing(t *testing.T) {
	_, err := EnvResolver{}.Resolve(context.Background(), "env://AUDITLEDGER_DEFINITELY_UNSET")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		encoding string
		want     []byte
		wantErr  bool
	}{
		{"raw", "abc", "raw", []byte("abc"), false},
		{"empty encoding is raw", "abc", "", []byte("abc"), false},
		{"hex", "0a0b\n", "hex", []byte{0x0a, 0x0b}, false},
		{"base64", " AQID ", "base64", []byte{1, 2, 3}, false},
		{"bad hex", "zz", "hex", nil, true},
		{"bad base64", "***", "base64", nil, true},
		{"unknown", "abc", "rot13", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.value), tt.encoding)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileResolver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(path, []byte("deadbeef\n"), 0o600))

	got, err := FileResolver{}.Resolve(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("deadbeef\n"), got)

	t.Run("insecure permissions", func(t *testing.T) {
		loose := filepath.Join(dir, "loose.key")
		require.NoError(t, os.WriteFile(loose, []byte("x"), 0o600))
		require.NoError(t, os.Chmod(loose, 0o644))
		_, err := FileResolver{}.Resolve(context.Background(), "file://"+loose)
		assert.ErrorIs(t, err, ErrInsecurePermissions)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := FileResolver{}.Resolve(context.Background(), "file://"+filepath.Join(dir, "nope"))
		var notFound *NotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("host not allowed", func(t *testing.T) {
		_, err := FileResolver{}.Resolve(context.Background(), "file://etc/key")
		var invalid *InvalidReferenceError
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestKeyringResolver(t *testing.T) {
	keyring.MockInit()

	require.NoError(t, StoreKeyring("keyring://auditledger/master-1", "abcd"))
	got, err := KeyringResolver{}.Resolve(context.Background(), "keyring://auditledger/master-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)

	assert.Error(t, StoreKeyring("keyring://auditledger/master-1", "other"), "existing entries are not overwritten")

	_, err = KeyringResolver{}.Resolve(context.Background(), "keyring://auditledger/missing")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = KeyringResolver{}.Resolve(context.Background(), "keyring://auditledger")
	var invalid *InvalidReferenceError
	assert.ErrorAs(t, err, &invalid)
}

type fakeSecretsManager struct {
	values map[string]*secretsmanager.GetSecretValueOutput
	err    error
	calls  []string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	id := aws.ToString(in.SecretId)
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	out, ok := f.values[id]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return out, nil
}

func TestSecretsManagerResolver(t *testing.T) {
	fake := &fakeSecretsManager{values: map[string]*secretsmanager.GetSecretValueOutput{
		"prod/ledger/master": {SecretString: aws.String("c0ffee")},
		"prod/ledger/signer": {SecretBinary: []byte{1, 2, 3}},
	}}
	r := NewSecretsManagerResolver(fake)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "awssm://us-east-1/prod/ledger/master")
	require.NoError(t, err)
	assert.Equal(t, []byte("c0ffee"), got)

	got, err = r.Resolve(ctx, "awssm:///prod/ledger/signer")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, err = r.Resolve(ctx, "awssm://us-east-1/prod/ledger/other")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = r.Resolve(ctx, "awssm://us-east-1")
	var invalid *InvalidReferenceError
	assert.ErrorAs(t, err, &invalid)

	assert.Equal(t, []string{"prod/ledger/master", "prod/ledger/signer", "prod/ledger/other"}, fake.calls)
}

func TestSecretsManagerResolver_BackendError(t *testing.T) {
	denied := errors.New("AccessDeniedException")
	r := NewSecretsManagerResolver(&fakeSecretsManager{err: denied})

	_, err := r.Resolve(context.Background(), "awssm://eu-west-1/prod/ledger/master")
	var backend *BackendError
	require.ErrorAs(t, err, &backend)
	assert.ErrorIs(t, err, denied)
	assert.Contains(t, backend.Fix, "prod/ledger/master")
}
