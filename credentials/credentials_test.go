package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, r *Resolver, input string) *Credentials {
	t.Helper()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	return creds
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	creds := resolve(t, NewResolver(), `{"origins": [{"match": {"any": true}, "token": {{ env "TEST_TOKEN" | json }}}]}`)
	require.Len(t, creds.Origins, 1)
	require.Equal(t, "secret123", creds.Origins[0].Token)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(),
		strings.NewReader(`{"origins": [{"match": {"any": true}, "token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	creds := resolve(t, NewResolver(), `{"s3": {"access_key_id": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}}`)
	require.NotNil(t, creds.S3)
	require.Equal(t, "fallback", creds.S3.AccessKeyID)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "token.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600))

	creds := resolve(t, NewResolver(), `{"origins": [{"match": {"host": "downloads.example.com"}, "password": {{ file "`+tmpFile+`" | json }}}]}`)
	require.Equal(t, "file-secret", creds.Origins[0].Password)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds := resolve(t, NewResolver(), `{"origins": [{"match": {"any": true}, "token": {{ env "TEST_SPECIAL" | json }}}]}`)
	require.Equal(t, `value with "quotes" and \backslash`, creds.Origins[0].Token)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"origins": [
			{"match": {"host": "a.example.com"}, "token": {{ mock "same-ref" | json }}},
			{"match": {"host": "b.example.com"}, "token": {{ mock "same-ref" | json }}}
		]
	}`
	creds := resolve(t, NewResolver(WithProvider("mock", mockProvider)), input)
	require.Equal(t, "resolved-same-ref", creds.Origins[1].Token)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_ProviderError(t *testing.T) {
	failing := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("vault sealed")
	}

	_, err := NewResolver(WithProvider("vault", failing)).ResolveReader(context.Background(),
		strings.NewReader(`{"origins": [{"match": {"any": true}, "token": {{ vault "x" | json }}}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "vault sealed")
}

func TestResolveReader_OriginNeedsHost(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(),
		strings.NewReader(`{"origins": [{"match": {"path_prefix": "/x"}}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "needs a host")
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`{"s3": {{ .UndefinedKey }}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(`not valid json`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	input := strings.Repeat("x", maxInputSize+1)
	_, err := NewResolver().ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	require.NoError(t, os.WriteFile(tmpFile, []byte(`{"origins": [{"match": {"any": true}, "token": {{ env "TEST_TOKEN" | json }}}]}`), 0o600))

	creds, err := NewResolver().ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.Origins[0].Token)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver().ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestCredentialsFor(t *testing.T) {
	creds := resolve(t, NewResolver(), `{
		"origins": [
			{"match": {"any": true}, "token": "fallback"},
			{"match": {"host": "downloads.example.com"}, "username": "u", "password": "p"},
			{"match": {"host": "downloads.example.com", "path_prefix": "/private/"}, "token": "private"}
		]
	}`)

	o := creds.For("https://downloads.example.com/private/php-8.3.0.tar.gz")
	require.NotNil(t, o)
	require.Equal(t, "private", o.Token)

	o = creds.For("https://DOWNLOADS.example.com/public/php-8.3.0.tar.gz")
	require.NotNil(t, o)
	require.True(t, o.HasBasic())
	require.Equal(t, "u", o.Username)

	o = creds.For("https://elsewhere.example.org/file.zip")
	require.NotNil(t, o)
	require.Equal(t, "fallback", o.Token)

	var none *Credentials
	require.Nil(t, none.For("https://downloads.example.com/x"))
}
