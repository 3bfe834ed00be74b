package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<table></table>")
	uri, err := store.PutObject(context.Background(), "snapshots/2024/08/15/abc.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/2024/08/15/abc.html", uri)

	payload[0] = 'X'
	obj, ok := store.Get("snapshots/2024/08/15/abc.html")
	require.True(t, ok)
	require.Equal(t, "<table></table>", string(obj.Data))
	require.Equal(t, "text/html", obj.ContentType)

	obj.Data[0] = 'Y'
	again, _ := store.Get("snapshots/2024/08/15/abc.html")
	require.Equal(t, byte('<'), again.Data[0])
	require.Equal(t, []string{"snapshots/2024/08/15/abc.html"}, store.Keys())
}

func TestBlobStoreHonorsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewBlobStore().PutObject(ctx, "x", "text/html", bytes.NewReader(nil))
	require.ErrorIs(t, err, context.Canceled)
}
