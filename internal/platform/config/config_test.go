package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFromMap(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := loadFromMap(t, map[string]string{
		"API_FIREBASE_PROJECT_ID": "storefront-dev",
	})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, defaultRequestTimeout, cfg.Server.RequestTimeout)
	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "storefront-dev", cfg.Firestore.ProjectID, "firestore project defaults to firebase project")
	assert.Equal(t, "storefront-dev", cfg.PubSub.ProjectID)
	assert.Equal(t, "storefront-dev", cfg.Secrets.DefaultProjectID)
	assert.Equal(t, defaultOrderEventsTopic, cfg.PubSub.OrderEventsTopic)
	assert.Equal(t, "http://localhost:5173", cfg.Client.BaseURL)
	assert.Equal(t, "AUD", cfg.Client.DefaultCurrency)
	assert.Equal(t, "Australia/Sydney", cfg.Client.Timezone)
	assert.Equal(t, defaultOIDCJWKSURL, cfg.OIDC.JWKSURL)
	assert.Equal(t, []string{defaultOIDCIssuer}, cfg.OIDC.Issuers)
	assert.Equal(t, defaultIdempotencyHeader, cfg.Idempotency.Header)
	assert.Equal(t, defaultIdempotencyTTL, cfg.Idempotency.TTL)
	assert.Equal(t, defaultIdempotencyInterval, cfg.Idempotency.CleanupInterval)
	assert.Equal(t, defaultIdempotencyBatchSize, cfg.Idempotency.CleanupBatchSize)
	assert.Equal(t, defaultFirestoreTimeout, cfg.Timeouts.Firestore)
	assert.Equal(t, defaultFirebaseTimeout, cfg.Timeouts.Firebase)
	assert.Equal(t, defaultStripeAPITimeout, cfg.Stripe.APITimeout)
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_ENVIRONMENT":                  "PROD",
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_REQUEST_TIMEOUT":       "45s",
		"API_FIREBASE_PROJECT_ID":          "storefront-prod",
		"API_FIRESTORE_PROJECT_ID":         "storefront-data",
		"API_FIRESTORE_CREDENTIALS_FILE":   "/secrets/firestore.json",
		"API_STRIPE_SECRET_KEY":            "secret://stripe/secret-key",
		"API_STRIPE_WEBHOOK_SECRET":        "sm://stripe/webhook",
		"API_STRIPE_API_TIMEOUT":           "10s",
		"API_CLIENT_BASE_URL":              "shop.example.com/",
		"API_CORS_ALLOWED_ORIGIN":          "https://shop.example.com",
		"API_DEFAULT_CURRENCY":             "usd",
		"API_PUBSUB_ORDER_EVENTS_TOPIC":    "orders",
		"API_OIDC_AUDIENCE":                "https://api.example.com",
		"API_OIDC_ISSUERS":                 "https://accounts.google.com, accounts.google.com",
		"API_IDEMPOTENCY_TTL":              "2h",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "15m",
		"API_TIMEOUT_FIRESTORE":            "3s",
	}

	var refs []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		refs = append(refs, ref)
		switch ref {
		case "secret://stripe/secret-key":
			return "sk_test_123", nil
		case "secret://stripe/webhook":
			return "whsec_456", nil
		}
		return "", errors.New("unexpected ref")
	})

	cfg, err := loadFromMap(t, env, WithSecretResolver(resolver), WithRequiredSecrets("Stripe.SecretKey", "Stripe.WebhookSecret"))
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, "storefront-data", cfg.Firestore.ProjectID)
	assert.Equal(t, "/secrets/firestore.json", cfg.Firestore.CredentialsFile)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.Equal(t, "whsec_456", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 10*time.Second, cfg.Stripe.APITimeout)
	assert.Equal(t, "http://shop.example.com", cfg.Client.BaseURL)
	assert.Equal(t, "https://shop.example.com", cfg.Client.AllowedOrigin)
	assert.Equal(t, "USD", cfg.Client.DefaultCurrency)
	assert.Equal(t, "orders", cfg.PubSub.OrderEventsTopic)
	assert.Equal(t, "https://api.example.com", cfg.OIDC.Audience)
	assert.Equal(t, []string{"https://accounts.google.com", "accounts.google.com"}, cfg.OIDC.Issuers)
	assert.Equal(t, 2*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 15*time.Minute, cfg.Idempotency.CleanupInterval)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Firestore)
	assert.ElementsMatch(t, []string{"secret://stripe/secret-key", "secret://stripe/webhook"}, refs)
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	_, err := loadFromMap(t, map[string]string{
		"API_FIREBASE_PROJECT_ID": "storefront-dev",
		"API_STRIPE_SECRET_KEY":   "secret://stripe/secret-key",
	})
	var secretErr *SecretError
	require.ErrorAs(t, err, &secretErr)
	assert.Equal(t, "secret://stripe/secret-key", secretErr.Ref)
	assert.ErrorIs(t, err, errSecretResolverNotConfigured)
}

func TestLoadValidationCollectsEveryField(t *testing.T) {
	_, err := loadFromMap(t, map[string]string{
		"API_DEFAULT_CURRENCY":   "XYZ1",
		"API_IDEMPOTENCY_TTL":    "-1s",
		"API_REPORTING_TIMEZONE": "Mars/Olympus_Mons",
	})
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.ElementsMatch(t, []string{
		"Firebase.ProjectID",
		"Firestore.ProjectID",
		"Client.DefaultCurrency",
		"Client.Timezone",
		"Idempotency.TTL",
	}, validationErr.Fields())
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := loadFromMap(t, map[string]string{
		"API_FIREBASE_PROJECT_ID": "storefront-dev",
		"API_STRIPE_SECRET_KEY":   "sk_test_plain",
	}, WithRequiredSecrets("Stripe.SecretKey", "Stripe.WebhookSecret"))

	var missing *MissingSecretsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"Stripe.WebhookSecret"}, missing.Names())
	require.Len(t, missing.RedactedNames(), 1)
	assert.NotContains(t, missing.Error(), "Stripe.WebhookSecret")
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\nexport API_FIREBASE_PROJECT_ID=\"dotenv-project\"\nAPI_SERVER_PORT=7070\nAPI_CLIENT_BASE_URL='https://localhost:3000/'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(context.Background(),
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}),
	)
	require.NoError(t, err)

	assert.Equal(t, "dotenv-project", cfg.Firebase.ProjectID)
	assert.Equal(t, "6060", cfg.Server.Port, "explicit env map wins over .env")
	assert.Equal(t, "https://localhost:3000", cfg.Client.BaseURL)
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_SECRET_FALLBACK_FILE=/tmp/a\nAPI_ENVIRONMENT=dev\n"), 0o600))

	values, err := EnvironmentValues(
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_ENVIRONMENT": "staging"}),
	)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a", values["API_SECRET_FALLBACK_FILE"])
	assert.Equal(t, "staging", values["API_ENVIRONMENT"])
}

func TestNormalizeClientURL(t *testing.T) {
	cases := map[string]string{
		"":                          "http://localhost:5173",
		"   ":                       "http://localhost:5173",
		"https://shop.example.com/": "https://shop.example.com",
		"shop.example.com":          "http://shop.example.com",
		"http://localhost:5173//":   "http://localhost:5173",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeClientURL(input), "input %q", input)
	}
}
