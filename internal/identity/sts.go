package identity

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSResolver verifies the session-credential triple by asking STS who holds
// it: GetCallerIdentity authenticated with the caller's own credentials. The
// backend validates the material itself; nothing is checked locally.
//
// The client handle is built once and shared; per-request credentials are
// injected as per-operation options.
type STSResolver struct {
	client *sts.Client
}

// NewSTSResolver builds the shared client. endpoint overrides the service
// URL, mainly for tests.
func NewSTSResolver(region, endpoint string) *STSResolver {
	opts := sts.Options{Region: region}
	if endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
	}
	return &STSResolver{client: sts.New(opts)}
}

func (v *STSResolver) Resolve(ctx context.Context, creds Credentials) (string, error) {
	out, err := v.client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}, func(o *sts.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	})
	if err != nil {
		// Malformed, revoked and network failures all collapse to the same
		// outcome; the detail stays in the server log.
		log.Printf("identity: sts introspection failed: %v", err)
		return "", ErrUnauthenticated
	}

	arn := aws.ToString(out.Arn)
	id := principalName(arn)
	if id == "" {
		return "", fmt.Errorf("identity: unparseable principal %q: %w", arn, ErrUnauthenticated)
	}
	return id, nil
}

// principalName returns the trailing path segment of a principal ARN, e.g.
// "byen" for "arn:aws:iam::245279632520:user/byen".
func principalName(arn string) string {
	idx := strings.LastIndex(arn, "/")
	if idx < 0 || idx == len(arn)-1 {
		return ""
	}
	return arn[idx+1:]
}
