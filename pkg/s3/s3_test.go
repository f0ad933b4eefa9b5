package s3

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhotoKey(t *testing.T) {
	key := PhotoKey("u1")
	assert.True(t, strings.HasPrefix(key, "photos/users/u1/"))
	assert.NotEqual(t, key, PhotoKey("u1"))

	assert.True(t, OwnsPhotoKey("u1", key))
	assert.False(t, OwnsPhotoKey("u2", key))
	assert.False(t, OwnsPhotoKey("u1", "photos/users/u1/"))
	assert.False(t, OwnsPhotoKey("u1", "photos/users/u1/a/b"))
	assert.False(t, OwnsPhotoKey("", "photos/users//x"))
}

func TestEncodeSHA256(t *testing.T) {
	got, err := encodeSHA256("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	require.NoError(t, err)
	assert.Equal(t, "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=", got)

	_, err = encodeSHA256("")
	assert.Error(t, err)
	_, err = encodeSHA256("zz")
	assert.Error(t, err)
}

func TestPresignPut(t *testing.T) {
	c, err := New(context.Background(), Config{
		Endpoint:       "localhost:8333",
		AccessKey:      "key",
		SecretKey:      "secret",
		Bucket:         "sitecrew",
		DisableTLS:     true,
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	url, err := c.PresignPut(context.Background(), "photos/users/u1/abc", "image/jpeg", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8333/sitecrew/photos/users/u1/abc?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")

	_, err = New(context.Background(), Config{Endpoint: "localhost:8333"})
	assert.Error(t, err)
	assert.False(t, Config{}.Enabled())
}
