package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = os.Getenv("VAULT_ADDR")
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "transit"),
		keyID:      getEnvOrDefault("VAULT_KEY_ID", "drawchain-master"),
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/drawchain"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }
func (v *vaultProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/encrypt/"+v.keyID, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ct, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ct), nil
}
func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(aad) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, v.mountPath+"/decrypt/"+v.keyID, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty decrypt response")
	}
	pt, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(pt)
}
func (v *vaultProvider) Secret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *kms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	ac, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: kms.NewFromConfig(ac),
		smClient:  secretsmanager.NewFromConfig(ac),
		keyID:     getEnvOrDefault("KMS_MASTER_KEY_ID", "alias/drawchain-master"),
	}, nil
}
func (a *awsProvider) Name() string { return "aws" }
func awsContext(aad []byte) map[string]string {
	if len(aad) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(aad)}
}
func (a *awsProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return out.CiphertextBlob, nil
}
func (a *awsProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	out, err := a.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(aad),
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return out.Plaintext, nil
}
func (a *awsProvider) Secret(ctx context.Context, key string) (string, error) {
	out, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if out.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *out.SecretString, nil
}

// envProvider seals with AES-256-GCM under KMS_LOCAL_KEY and reads secrets
// from the process environment. Development only.
type envProvider struct {
	aead cipher.AEAD
}

func newEnvProvider(key string) (*envProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64-encoded")
	}
	if len(decoded) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must decode to 32 bytes (got %d)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &envProvider{aead: aead}, nil
}
func (e *envProvider) Name() string { return "env" }
func (e *envProvider) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}
func (e *envProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ns := e.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, ErrDecryptionFailed
	}
	pt, err := e.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}
func (e *envProvider) Secret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	return val, nil
}
