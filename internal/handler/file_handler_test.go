package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadAndDownload(t *testing.T) {
	s := newTestServer(t, false)
	data := pattern(300_000)
	rec := s.upload(t, "shoot-1", "DSC_0001.jpg", data, false)

	assert.Equal(t, "DSC_0001.jpg", rec.OriginalName)
	assert.Equal(t, model.FileTypeImage, rec.Type)
	assert.Equal(t, int64(len(data)), rec.Size)
	assert.Equal(t, "photographer-1", rec.UploadedBy)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+rec.ID, nil), model.RoleClient)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fmt.Sprint(len(data)), w.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "DSC_0001.jpg")
	assert.Empty(t, w.Header().Get("Content-Range"))
	assert.Equal(t, data, w.Body.Bytes())
}

func TestDownloadRange(t *testing.T) {
	s := newTestServer(t, false)
	data := pattern(10_000)
	rec := s.upload(t, "shoot-1", "a.png", data, false)

	cases := []struct {
		header       string
		start, end   int
		contentRange string
	}{
		{"bytes=100-199", 100, 199, "bytes 100-199/10000"},
		{"bytes=9990-", 9990, 9999, "bytes 9990-9999/10000"},
		{"bytes=-10", 9990, 9999, "bytes 9990-9999/10000"},
		{"bytes=9000-20000", 9000, 9999, "bytes 9000-9999/10000"},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+rec.ID, nil)
			req.Header.Set("Range", tc.header)
			w := s.do(t, req, model.RoleClient)
			require.Equal(t, http.StatusPartialContent, w.Code)
			assert.Equal(t, tc.contentRange, w.Header().Get("Content-Range"))
			assert.Equal(t, fmt.Sprint(tc.end-tc.start+1), w.Header().Get("Content-Length"))
			assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
			assert.Equal(t, data[tc.start:tc.end+1], w.Body.Bytes())
		})
	}

	for _, header := range []string{"bytes=10000-", "bytes=50-10", "bytes=0-1,5-6", "items=0-1"} {
		t.Run("unsatisfiable "+header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+rec.ID, nil)
			req.Header.Set("Range", header)
			w := s.do(t, req, model.RoleClient)
			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
			assert.Equal(t, "bytes */10000", w.Header().Get("Content-Range"))
		})
	}
}

func TestUploadRejections(t *testing.T) {
	s := newTestServer(t, false)

	cases := []struct {
		name   string
		form   uploadForm
		role   string
		status int
	}{
		{"unsupported extension", uploadForm{shootID: "s", name: "notes.exe", size: "3", data: []byte("abc")}, model.RolePhotographer, http.StatusUnsupportedMediaType},
		{"declared size over ceiling", uploadForm{shootID: "s", name: "a.jpg", size: fmt.Sprint(101 * 1024 * 1024), data: []byte("abc")}, model.RolePhotographer, http.StatusRequestEntityTooLarge},
		{"empty file", uploadForm{shootID: "s", name: "a.jpg", size: "0", data: nil}, model.RolePhotographer, http.StatusBadRequest},
		{"missing size", uploadForm{shootID: "s", name: "a.jpg", data: []byte("abc")}, model.RolePhotographer, http.StatusBadRequest},
		{"invalid size", uploadForm{shootID: "s", name: "a.jpg", size: "many", data: []byte("abc")}, model.RolePhotographer, http.StatusBadRequest},
		{"missing shoot", uploadForm{name: "a.jpg", size: "3", data: []byte("abc")}, model.RolePhotographer, http.StatusBadRequest},
		{"body shorter than declared", uploadForm{shootID: "s", name: "a.jpg", size: "10", data: []byte("abc")}, model.RolePhotographer, http.StatusBadRequest},
		{"body longer than declared", uploadForm{shootID: "s", name: "a.jpg", size: "2", data: []byte("abc")}, model.RolePhotographer, http.StatusBadRequest},
		{"client cannot upload", uploadForm{shootID: "s", name: "a.jpg", size: "3", data: []byte("abc")}, model.RoleClient, http.StatusForbidden},
		{"anonymous", uploadForm{shootID: "s", name: "a.jpg", size: "3", data: []byte("abc")}, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := s.do(t, uploadRequest(t, tc.form), tc.role)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
		})
	}

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/shoots/s/files", nil), model.RolePhotographer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]*model.FileRecord](t, w))
}

func TestUploadRequiresMultipart(t *testing.T) {
	s := newTestServer(t, false)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/files", strings.NewReader("raw bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := s.do(t, req, model.RolePhotographer)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPhotographerOnlyFiles(t *testing.T) {
	s := newTestServer(t, false)
	jpeg := s.upload(t, "shoot-1", "a.jpg", pattern(100), false)
	// 旁车文件总是仅摄影师可见，与请求参数无关
	xmp := s.upload(t, "shoot-1", "a.xmp", pattern(50), false)
	assert.True(t, xmp.PhotographerOnly)

	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+xmp.ID, nil), model.RoleClient)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("Accept-Ranges"))

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+xmp.ID+"/meta", nil), model.RoleClient)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+xmp.ID, nil), model.RolePhotographer)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/shoots/shoot-1/files", nil), model.RoleClient)
	require.Equal(t, http.StatusOK, w.Code)
	visible := decode[[]*model.FileRecord](t, w)
	require.Len(t, visible, 1)
	assert.Equal(t, jpeg.ID, visible[0].ID)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/shoots/shoot-1/files", nil), model.RoleAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]*model.FileRecord](t, w), 2)
}

func TestDeleteFile(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.upload(t, "shoot-1", "a.cr2", pattern(1000), false)

	w := s.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+rec.ID, nil), model.RoleClient)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+rec.ID, nil), model.RolePhotographer)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+rec.ID, nil), model.RolePhotographer)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+rec.ID, nil), model.RolePhotographer)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMissingFile(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/nope", nil), model.RoleClient)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/files/nope/meta", nil), model.RoleClient)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSupportedFormats(t *testing.T) {
	s := newTestServer(t, false)
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/formats", nil), model.RoleClient)
	require.Equal(t, http.StatusOK, w.Code)
	formats := decode[map[model.FileType][]string](t, w)
	assert.Contains(t, formats[model.FileTypeImage], "jpg")
	assert.Contains(t, formats[model.FileTypeRaw], "cr2")
	assert.Contains(t, formats[model.FileTypeSidecar], "xmp")
}
