package azcli_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azenumrbac/azenumrbac/internal/azcli"
	"github.com/azenumrbac/azenumrbac/internal/azcli/azclitest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(fake *azclitest.Executor, attempts int) *azcli.Client {
	return azcli.NewClient(fake, zerolog.Nop(), azcli.Options{
		Binary:        "az",
		MaxAttempts:   attempts,
		RatePerSecond: 1000,
		CacheTTL:      time.Minute,
	})
}

func TestRunJSONDecodesAndCaches(t *testing.T) {
	fake := azclitest.New().OnJSON("account list --all", []map[string]string{{"id": "sub-1"}})
	client := newTestClient(fake, 3)

	var out []map[string]string
	require.NoError(t, client.RunJSON(context.Background(), &out, "account", "list", "--all"))
	require.Len(t, out, 1)
	assert.Equal(t, "sub-1", out[0]["id"])

	var again []map[string]string
	require.NoError(t, client.RunJSON(context.Background(), &again, "account", "list", "--all"))
	assert.Equal(t, 1, fake.CallCount("account list --all"), "second call should be served from cache")
	assert.Equal(t, 1, client.Cache().Len())
}

func TestRunRetriesNonZeroExit(t *testing.T) {
	fake := azclitest.New().On("group list --subscription s1",
		azclitest.Response{Err: &azcli.ExitError{Code: 1, Stderr: "throttled"}},
		azclitest.Response{Err: &azcli.ExitError{Code: 1, Stderr: "throttled"}},
		azclitest.Response{Stdout: "[]"},
	)
	client := newTestClient(fake, 3)

	out, err := client.Run(context.Background(), "group", "list", "--subscription", "s1")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
	assert.Equal(t, 3, fake.CallCount("group list --subscription s1"))
}

func TestRunSurfacesLastErrorAfterAttempts(t *testing.T) {
	fake := azclitest.New().Fail("role definition list", 1, "AuthorizationFailed")
	client := newTestClient(fake, 2)

	_, err := client.Run(context.Background(), "role", "definition", "list")
	require.Error(t, err)

	var cmdErr *azcli.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.Attempts)

	var exitErr *azcli.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Contains(t, exitErr.Stderr, "AuthorizationFailed")
	assert.Equal(t, 2, fake.CallCount("role definition list"))
}

func TestRunDoesNotRetryMissingBinary(t *testing.T) {
	fake := azclitest.New()
	fake.NotInstalled = true
	client := newTestClient(fake, 3)

	_, err := client.Run(context.Background(), "--version")
	require.Error(t, err)
	assert.True(t, azcli.IsNotInstalled(err))
	assert.Len(t, fake.Calls(), 1)
}

func TestRunJSONRejectsMalformedOutput(t *testing.T) {
	fake := azclitest.New().On("account show", azclitest.Response{Stdout: "not json"})
	client := newTestClient(fake, 1)

	var v map[string]any
	err := client.RunJSON(context.Background(), &v, "account", "show")
	require.Error(t, err)
	assert.Equal(t, 0, client.Cache().Len(), "failed decodes must not be cached")
}

func TestProbeDoesNotRetry(t *testing.T) {
	fake := azclitest.New().Fail("account show", 1, "Please run 'az login'")
	client := newTestClient(fake, 5)

	_, err := client.Probe(context.Background(), "account", "show")
	require.Error(t, err)
	assert.Equal(t, 1, fake.CallCount("account show"))
}

func TestResponseCacheClearByPrefix(t *testing.T) {
	cache := azcli.NewResponseCache(time.Minute)
	cache.Put("ad group show --group a", 1)
	cache.Put("ad group show --group b", 2)
	cache.Put("account list", 3)

	assert.Equal(t, 2, cache.Clear("ad group"))
	_, ok := cache.Get("account list")
	assert.True(t, ok)
	assert.Equal(t, 1, cache.Clear(""))
}

func TestResponseCacheZeroTTLDisables(t *testing.T) {
	cache := azcli.NewResponseCache(0)
	cache.Put("k", "v")
	_, ok := cache.Get("k")
	assert.False(t, ok)
}
