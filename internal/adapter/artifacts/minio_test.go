package artifacts

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/applyrun/internal/config"
)

func testLinker(t *testing.T) *Linker {
	t.Helper()
	l, err := NewLinker(config.ArtifactsConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "resumes",
		Region:    "us-east-1",
		URLTTL:    5 * time.Minute,
	})
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func TestNewLinker_Disabled(t *testing.T) {
	l, err := NewLinker(config.ArtifactsConfig{})
	require.NoError(t, err)
	assert.Nil(t, l)

	got, err := l.Resolve(context.Background(), "s3://resumes/ada.pdf")
	require.NoError(t, err)
	assert.Equal(t, "s3://resumes/ada.pdf", got)
}

func TestResolve_PassThrough(t *testing.T) {
	l := testLinker(t)
	for _, ref := range []string{"", "https://cdn.example.com/a.pdf", "/files/a.pdf"} {
		got, err := l.Resolve(context.Background(), ref)
		require.NoError(t, err)
		assert.Equal(t, ref, got)
	}
}

func TestResolve_PresignsObjectRefs(t *testing.T) {
	l := testLinker(t)

	got, err := l.Resolve(context.Background(), "s3://tailored/job-42/ada.pdf")
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/tailored/job-42/ada.pdf", u.Path)
	assert.Equal(t, "300", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	bare, err := l.Resolve(context.Background(), "ada.pdf")
	require.NoError(t, err)
	u, err = url.Parse(bare)
	require.NoError(t, err)
	assert.Equal(t, "/resumes/ada.pdf", u.Path)
}

func TestResolve_InvalidRef(t *testing.T) {
	l := testLinker(t)
	_, err := l.Resolve(context.Background(), "s3://only-bucket")
	assert.Error(t, err)
}
