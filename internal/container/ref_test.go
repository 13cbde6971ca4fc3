package container

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRef(t *testing.T) {
	ref, err := ImageRef("redis", "7.2")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/redis:7.2", ref.String())
	assert.Equal(t, "redis:7.2", FamiliarString(ref))

	ref, err = ImageRef("ghcr.io/acme/api", "sha-1234")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/api:sha-1234", FamiliarString(ref))
}

func TestImageRefErrors(t *testing.T) {
	for _, tc := range []struct {
		image, tag, msg string
	}{
		{"", "latest", "image name is empty"},
		{"redis", "", "tag for image"},
		{"redis:7", "7.2", "already has a tag"},
		{"Redis", "7", "invalid image"},
		{"redis", "bad tag!", "invalid tag"},
	} {
		t.Run(tc.image+"/"+tc.tag, func(t *testing.T) {
			_, err := ImageRef(tc.image, tc.tag)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestShortStr(t *testing.T) {
	assert.Equal(t, "0123456789", ID("0123456789abcdef").ShortStr())
	assert.Equal(t, "abc", ID("abc").ShortStr())
}
