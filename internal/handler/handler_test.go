package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/romdj/tempsdarret.studio-sub002/internal/middleware"
	"github.com/romdj/tempsdarret.studio-sub002/internal/model"
	"github.com/romdj/tempsdarret.studio-sub002/internal/repository"
	"github.com/romdj/tempsdarret.studio-sub002/internal/service"
	"github.com/romdj/tempsdarret.studio-sub002/internal/storage"
	"github.com/romdj/tempsdarret.studio-sub002/internal/testutil"
	"github.com/romdj/tempsdarret.studio-sub002/pkg/token"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router *gin.Engine
	jwt    *token.JWTManager
}

// newTestServer 组装完整的服务栈。startWorkers 为 false 时归档任务停留在 queued。
func newTestServer(t *testing.T, startWorkers bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fs, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	_, rdb := testutil.NewRedis(t)
	store := storage.NewService(fs, storage.NewRedisChunkStore(rdb))
	t.Cleanup(store.WaitBackground)

	archiveStore, err := storage.NewFilesystemArchiveStore(t.TempDir(), "http://studio.test/api/v1")
	require.NoError(t, err)

	catalog := repository.NewCatalogRepository(testutil.NewCatalogDB(t))
	emitter := &testutil.RecordingEmitter{}
	files := service.NewFileService(catalog, store, emitter, 0)
	archives := service.NewArchiveService(catalog, store, archiveStore, emitter, service.ArchiveOptions{
		Workers:             1,
		MaintenanceInterval: time.Hour,
	})
	if startWorkers {
		ctx, cancel := context.WithCancel(context.Background())
		archives.Start(ctx)
		t.Cleanup(func() {
			cancel()
			archives.Stop()
		})
	}

	jwt := token.NewJWTManager("test-secret", 1)
	r := gin.New()
	api := r.Group("/api/v1", middleware.AuthMiddleware(jwt))
	RegisterRoutes(api,
		NewFileHandler(files, service.NewDownloadService(files, store), 0),
		NewArchiveHandler(archives, 10*time.Millisecond),
	)
	return &testServer{router: r, jwt: jwt}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := s.jwt.GenerateToken(userID, role)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, req *http.Request, role string) *httptest.ResponseRecorder {
	t.Helper()
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, role+"-1", role))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type uploadForm struct {
	shootID          string
	name             string
	size             string
	photographerOnly bool
	data             []byte
}

func uploadRequest(t *testing.T, f uploadForm) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("shootId", f.shootID))
	if f.size != "" {
		require.NoError(t, mw.WriteField("size", f.size))
	}
	if f.photographerOnly {
		require.NoError(t, mw.WriteField("photographerOnly", "true"))
	}
	part, err := mw.CreateFormFile("file", f.name)
	require.NoError(t, err)
	_, err = part.Write(f.data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, "/api/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

// upload 以摄影师身份上传文件并返回记录。
func (s *testServer) upload(t *testing.T, shootID, name string, data []byte, photographerOnly bool) *model.FileRecord {
	t.Helper()
	w := s.do(t, uploadRequest(t, uploadForm{
		shootID:          shootID,
		name:             name,
		size:             fmt.Sprint(len(data)),
		photographerOnly: photographerOnly,
		data:             data,
	}), model.RolePhotographer)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*model.FileRecord](t, w)
}

func readBody(t *testing.T, r io.Reader) []byte {
	t.Helper()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
