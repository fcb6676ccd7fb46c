package common

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kvcd-project/kvcd-operator/internal/vcd"
)

const (
	// SecretNameSpace is the default namespace of the credentials secret
	SecretNameSpace string = "kvcd-system"
	// SecretName is the default name of the credentials secret
	SecretName string = "kvcd-credentials"

	defaultPort     = 443
	defaultOrg      = "System"
	defaultUsername = "Administrator"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the validator shared by the operator
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// GetCredentialsSecret Get the Secret holding the vCloud Director credentials
//
// Deployment of secret:
//
// you can deploy the secret through: kubectl apply -f config/samples/credentials.yaml
func GetCredentialsSecret(ctx context.Context, c client.Reader, key types.NamespacedName) (*corev1.Secret, error) {
	secret := &corev1.Secret{}
	if err := c.Get(ctx, key, secret); err != nil {
		return nil, fmt.Errorf("cannot read credentials secret %s: %w", key, err)
	}
	return secret, nil
}

// GetCredentialData returns the validated vCloud Director credentials stored in secret.
// Missing optional keys fall back to port 443, organization System, user Administrator
// and SSL verification enabled.
func GetCredentialData(secret *corev1.Secret) (vcd.Credentials, error) {
	creds := vcd.Credentials{
		Host:      string(secret.Data["host"]),
		Port:      defaultPort,
		Org:       valueOr(secret.Data["org"], defaultOrg),
		Username:  valueOr(secret.Data["username"], defaultUsername),
		Password:  string(secret.Data["password"]),
		VerifySSL: true,
	}
	if raw, ok := secret.Data["port"]; ok && len(raw) > 0 {
		port, err := strconv.Atoi(string(raw))
		if err != nil {
			return vcd.Credentials{}, fmt.Errorf("invalid port %q in credentials secret: %w", raw, err)
		}
		creds.Port = port
	}
	if raw, ok := secret.Data["verifySSL"]; ok && len(raw) > 0 {
		verify, err := strconv.ParseBool(string(raw))
		if err != nil {
			return vcd.Credentials{}, fmt.Errorf("invalid verifySSL %q in credentials secret: %w", raw, err)
		}
		creds.VerifySSL = verify
	}

	if err := Validator().Struct(creds); err != nil {
		return vcd.Credentials{}, fmt.Errorf("invalid credentials secret %s/%s: %w", secret.Namespace, secret.Name, err)
	}
	return creds, nil
}

// CredentialsFromSecret returns a credentials source reading the secret on every call,
// so rotated passwords are picked up on the next session rehydration
func CredentialsFromSecret(c client.Reader, key types.NamespacedName) vcd.CredentialsSource {
	return func(ctx context.Context) (vcd.Credentials, error) {
		secret, err := GetCredentialsSecret(ctx, c, key)
		if err != nil {
			return vcd.Credentials{}, err
		}
		return GetCredentialData(secret)
	}
}

func valueOr(raw []byte, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}
