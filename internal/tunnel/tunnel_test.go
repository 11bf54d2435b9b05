package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverReturnsOverrideVerbatimTrimmed(t *testing.T) {
	url, err := Discover(context.Background(), "https://example.com/", ProviderNone, 3334)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", url)
}

func TestDiscoverNoneWithoutOverrideReturnsEmpty(t *testing.T) {
	url, err := Discover(context.Background(), "", ProviderNone, 3334)
	require.NoError(t, err)
	require.Empty(t, url)
}

func TestDiscoverRejectsUnknownProvider(t *testing.T) {
	_, err := Discover(context.Background(), "", Provider("carrier-pigeon"), 3334)
	require.Error(t, err)
}
