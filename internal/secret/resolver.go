// Package secret resolves the notifier's credentials (webhook API key,
// WhatsApp access token) from SSM Parameter Store, Secrets Manager or the
// environment.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient is the part of the SSM API the notifier calls.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SecretsManagerClient is the part of the Secrets Manager API the notifier calls.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver turns a parameter path such as /gdrive-notifier/api-key into its value.
type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SSMResolver is the production Resolver: one decrypted GetParameter per name.
type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) Resolver {
	return &SSMResolver{client: client}
}

func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// SecretsManagerResolver fetches plain-string secrets from AWS Secrets Manager.
// The parameter path is used as the secret id unchanged.
type SecretsManagerResolver struct {
	client SecretsManagerClient
}

// NewSecretsManagerResolver returns a Resolver backed by Secrets Manager.
func NewSecretsManagerResolver(client SecretsManagerClient) Resolver {
	return &SecretsManagerResolver{client: client}
}

func (r *SecretsManagerResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("secretsmanager get secret %q: %w", name, err)
	}
	if out.SecretString == nil || *out.SecretString == "" {
		return "", fmt.Errorf("secret %q has no string value", name)
	}
	return *out.SecretString, nil
}

// EnvResolver serves DEV_MODE. /gdrive-notifier/whatsapp-access-token is
// read from WHATSAPP_ACCESS_TOKEN.
type EnvResolver struct{}

func NewEnvResolver() Resolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := envVarFor(name)
	val := os.Getenv(envName)
	if val == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return val, nil
}

// envVarFor upper-snakes the last path segment: api-key becomes API_KEY.
func envVarFor(name string) string {
	last := name[strings.LastIndex(name, "/")+1:]
	return strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}

// Lookup resolves name, preferring a non-empty environment override. It is
// how cmd binaries accept either a raw value or a parameter path.
func Lookup(ctx context.Context, r Resolver, envOverride, name string) (string, error) {
	if v := os.Getenv(envOverride); v != "" {
		return v, nil
	}
	return r.GetSecret(ctx, name)
}
