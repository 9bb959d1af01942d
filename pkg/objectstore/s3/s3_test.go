package s3_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhaofengli/attic/pkg/objectstore/s3"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	base := s3.Config{
		Bucket:          "attic",
		Endpoint:        "https://s3.example.com",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}

	assert.NoError(t, s3.ValidateConfig(base))

	missingBucket := base
	missingBucket.Bucket = ""
	assert.ErrorIs(t, s3.ValidateConfig(missingBucket), s3.ErrBucketRequired)

	missingEndpoint := base
	missingEndpoint.Endpoint = ""
	assert.ErrorIs(t, s3.ValidateConfig(missingEndpoint), s3.ErrEndpointRequired)

	badScheme := base
	badScheme.Endpoint = "s3.example.com"
	assert.ErrorIs(t, s3.ValidateConfig(badScheme), s3.ErrInvalidEndpointScheme)

	missingKey := base
	missingKey.AccessKeyID = ""
	assert.ErrorIs(t, s3.ValidateConfig(missingKey), s3.ErrAccessKeyIDRequired)

	missingSecret := base
	missingSecret.SecretAccessKey = ""
	assert.ErrorIs(t, s3.ValidateConfig(missingSecret), s3.ErrSecretAccessKeyRequired)
}
