package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readBody(t *testing.T, resp *DownloadResponse) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func TestDownloadService_Ranges(t *testing.T) {
	f := newFixture(t)
	data := pattern(1000)
	rec := f.upload(t, "shoot-1", "portrait.jpg", data)
	ctx := context.Background()

	resp, err := f.download.PrepareDownload(ctx, rec.ID, "bytes=100-199", model.RoleClient)
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode())
	h := resp.Headers()
	assert.Equal(t, "100", h["Content-Length"])
	assert.Equal(t, "bytes 100-199/1000", h["Content-Range"])
	assert.Equal(t, "bytes", h["Accept-Ranges"])
	assert.Equal(t, data[100:200], readBody(t, resp))

	resp, err = f.download.PrepareDownload(ctx, rec.ID, "bytes=900-", model.RoleClient)
	require.NoError(t, err)
	assert.Equal(t, int64(999), resp.End)
	assert.Equal(t, data[900:], readBody(t, resp))

	_, err = f.download.PrepareDownload(ctx, rec.ID, "bytes=1000-", model.RoleClient)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, int64(1000), rangeErr.Size)
}

func TestDownloadService_FullFile(t *testing.T) {
	f := newFixture(t)
	data := pattern(1000)
	rec := f.upload(t, "shoot-1", "Mariage été.jpg", data)

	for _, header := range []string{"", "bytes=0-999", "bytes=0-", "bytes=0-5000"} {
		resp, err := f.download.PrepareDownload(context.Background(), rec.ID, header, model.RoleClient)
		require.NoError(t, err, header)
		assert.False(t, resp.Partial, header)
		assert.Equal(t, http.StatusOK, resp.StatusCode())
		h := resp.Headers()
		assert.Equal(t, "1000", h["Content-Length"])
		assert.Equal(t, "bytes", h["Accept-Ranges"])
		assert.Equal(t, "image/jpeg", h["Content-Type"])
		assert.Contains(t, h["Content-Disposition"], "attachment")
		assert.NotContains(t, h, "Content-Range")
		assert.Equal(t, data, readBody(t, resp))
	}
}

func TestDownloadService_PhotographerOnlyOpensNothing(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t, "shoot-1", "edit.xmp", pattern(50))
	before := f.store.reads.Load()

	_, err := f.download.PrepareDownload(context.Background(), rec.ID, "", model.RoleClient)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, before, f.store.reads.Load())

	resp, err := f.download.PrepareDownload(context.Background(), rec.ID, "", model.RolePhotographer)
	require.NoError(t, err)
	assert.Len(t, readBody(t, resp), 50)
}

func TestDownloadService_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t, "shoot-1", "a.jpg", pattern(10))
	require.NoError(t, f.files.Delete(context.Background(), rec.ID, model.RoleAdmin))

	_, err := f.download.PrepareDownload(context.Background(), rec.ID, "", model.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.download.PrepareDownload(context.Background(), "never-existed", "", model.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseRange(t *testing.T) {
	const size = 1000
	ok := []struct {
		header     string
		start, end int64
	}{
		{"bytes=0-0", 0, 0},
		{"bytes=100-199", 100, 199},
		{"bytes=900-", 900, 999},
		{"bytes=-100", 900, 999},
		{"bytes=-5000", 0, 999},
		{"bytes=990-2000", 990, 999},
		{" bytes=5-9 ", 5, 9},
	}
	for _, tc := range ok {
		start, end, err := ParseRange(tc.header, size)
		require.NoError(t, err, tc.header)
		assert.Equal(t, tc.start, start, tc.header)
		assert.Equal(t, tc.end, end, tc.header)
	}

	bad := []string{
		"bytes=1000-", "bytes=1000-1001", "bytes=200-100", "bytes=-0", "bytes=-",
		"bytes=0-1,5-6", "items=0-1", "bytes=a-b", "bytes=5", "",
		"bytes=+5-10", "bytes=5-+10", "bytes=-+3", "bytes=-5-10",
	}
	for _, header := range bad {
		_, _, err := ParseRange(header, size)
		assert.ErrorIs(t, err, ErrRangeNotSatisfiable, header)
	}
}
