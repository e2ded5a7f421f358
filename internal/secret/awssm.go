package secret

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver reads awssm://region/secret-id (or
// awssm:///secret-id for the default region). SecretBinary is returned
// as-is; SecretString as its bytes.
type SecretsManagerResolver struct {
	mu      sync.Mutex
	clients map[string]SecretsManagerAPI
	factory func(ctx context.Context, region string) (SecretsManagerAPI, error)
}

// NewSecretsManagerResolver returns a resolver. A non-nil client is used
// for every region; otherwise clients are built from the default AWS
// credential chain on first use.
func NewSecretsManagerResolver(client SecretsManagerAPI) *SecretsManagerResolver {
	r := &SecretsManagerResolver{clients: make(map[string]SecretsManagerAPI)}
	if client != nil {
		r.factory = func(context.Context, string) (SecretsManagerAPI, error) { return client, nil }
	} else {
		r.factory = defaultSecretsManagerClient
	}
	return r
}

func defaultSecretsManagerClient(ctx context.Context, region string) (SecretsManagerAPI, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (r *SecretsManagerResolver) Scheme() string { return "awssm" }

func (r *SecretsManagerResolver) Resolve(ctx context.Context, reference string) ([]byte, error) {
	region, id, err := parseSecretsManagerReference(reference)
	if err != nil {
		return nil, err
	}
	client, err := r.client(ctx, region)
	if err != nil {
		return nil, &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    "loading AWS configuration: " + err.Error(),
			Fix:       "Configure credentials with aws configure, AWS_* variables, or an instance role.",
			Err:       err,
		}
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
		}
		return nil, &BackendError{
			Backend:   "AWS Secrets Manager",
			Reference: reference,
			Reason:    err.Error(),
			Fix:       "Check IAM permissions for secretsmanager:GetSecretValue on " + id,
			Err:       err,
		}
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, &NotFoundError{Reference: reference, Backend: "AWS Secrets Manager"}
}

func (r *SecretsManagerResolver) client(ctx context.Context, region string) (SecretsManagerAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c, nil
	}
	c, err := r.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	r.clients[region] = c
	return c, nil
}

// parseSecretsManagerReference splits awssm://us-east-1/prod/key into
// ("us-east-1", "prod/key").
func parseSecretsManagerReference(ref string) (region, id string, err error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "awssm" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "expected awssm://region/secret-id"}
	}
	id = strings.TrimPrefix(u.Path, "/")
	if id == "" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "missing secret id"}
	}
	return u.Host, id, nil
}
