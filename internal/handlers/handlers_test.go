package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nendo-server/internal/actions"
	"nendo-server/internal/apps"
	"nendo-server/internal/assets"
	"nendo-server/internal/auth"
	"nendo-server/internal/config"
	"nendo-server/internal/domain"
	"nendo-server/internal/queue"
)

func TestHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{domain.ErrNotFound, fiber.StatusNotFound},
		{domain.ErrJobNotFound, fiber.StatusNotFound},
		{domain.ErrInvalidCredentials, fiber.StatusUnauthorized},
		{domain.ErrInvalidInviteCode, fiber.StatusBadRequest},
		{domain.ErrEmailTaken, fiber.StatusBadRequest},
		{auth.ErrWeakPassword, fiber.StatusBadRequest},
		{auth.ErrInvalidEmail, fiber.StatusBadRequest},
		{domain.ErrStorageLimitReached, fiber.StatusInsufficientStorage},
		{domain.ErrUnsupportedFileType, fiber.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		require.ErrorAs(t, httpError(tc.err), &fe, tc.err.Error())
		assert.Equal(t, tc.code, fe.Code, tc.err.Error())
	}

	assert.NoError(t, httpError(nil))

	// Unknown errors pass through untouched for the 500 handler.
	boom := errors.New("boom")
	assert.Equal(t, boom, httpError(boom))
}

func TestParseID(t *testing.T) {
	id := uuid.New()
	got, err := parseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseID("not-a-uuid")
	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusBadRequest, fe.Code)
}

type actionTestEnv struct {
	app  *fiber.App
	svc  *actions.Service
	user *domain.User
}

func newActionTestEnv(t *testing.T) *actionTestEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Defaults()
	cfg.Library.ChunkActions = false
	cfg.Library.Path = t.TempDir()
	svc := actions.NewService(cfg, queue.NewBroker(rdb, time.Hour), nil, nil)

	user := &domain.User{ID: uuid.New(), Email: "tester@nendo.io", IsActive: true, IsVerified: true}

	app := fiber.New()
	api := app.Group("/api", func(c *fiber.Ctx) error {
		c.Locals(UserContextKey, user)
		return c.Next()
	})
	NewActionsHandler(svc).Register(api)
	NewAppsHandler(svc, apps.Registry()).Register(api)
	NewScenesHandler(nil).Register(api)
	NewTracksHandler(nil).Register(api)
	NewCollectionsHandler(nil).Register(api)
	NewAssetsHandler(assets.NewService(cfg.Library, nil)).Register(api)
	return &actionTestEnv{app: app, svc: svc, user: user}
}

func decodeData(t *testing.T, resp *http.Response) interface{} {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	return envelope.Data
}

func TestAppsList(t *testing.T) {
	env := newActionTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/apps", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	names := decodeData(t, resp).([]interface{})
	assert.Contains(t, names, "musicgen")
	assert.Contains(t, names, "polymath")
	assert.Contains(t, names, "mashuper")
	assert.Contains(t, names, "musicgentrain")
	assert.Contains(t, names, "voiceanalysis")
}

func TestAppRunAllBuiltins(t *testing.T) {
	env := newActionTestEnv(t)

	for _, name := range []string{"mashuper", "musicgentrain", "voiceanalysis", "webimport"} {
		resp, err := env.app.Test(httptest.NewRequest(http.MethodPost, "/api/apps/"+name, nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, name)

		data := decodeData(t, resp).(map[string]interface{})
		actionID, _ := data["action_id"].(string)
		assert.NotEmpty(t, actionID, name)
	}
}

func TestAppRunEnqueuesAction(t *testing.T) {
	env := newActionTestEnv(t)

	body, _ := json.Marshal(fiber.Map{
		"target_id": "some-collection",
		"params":    fiber.Map{"prompt": "lofi beat"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/apps/musicgen", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get(fiber.HeaderCacheControl), "no-cache")

	data := decodeData(t, resp).(map[string]interface{})
	actionID, _ := data["action_id"].(string)
	require.NotEmpty(t, actionID)

	// The enqueued job is visible through the actions routes right away.
	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/actions/"+actionID, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	status := decodeData(t, resp).(map[string]interface{})
	assert.Equal(t, string(domain.ActionQueued), status["status"])
}

func TestAppRunWithoutBody(t *testing.T) {
	env := newActionTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodPost, "/api/apps/getpage", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestActionsListEmpty(t *testing.T) {
	env := newActionTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/actions", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData(t, resp))
}

func TestActionGetUnknownIs404(t *testing.T) {
	env := newActionTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/actions/NoSuchJob_deadbeef", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestAbortQueuedAction(t *testing.T) {
	env := newActionTestEnv(t)

	ids, err := env.svc.CreateDockerAction(context.Background(), env.user.ID, apps.Registry()[0].Request("", nil))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodDelete, "/api/actions/"+ids[0], nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSceneIDMustBeNumeric(t *testing.T) {
	env := newActionTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/apps/mashuper/scenes/not-a-number", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestTrackCreateRejectsBadBody(t *testing.T) {
	env := newActionTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/tracks", bytes.NewReader([]byte("{not json")))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestBulkCollectionRoutesValidateID(t *testing.T) {
	env := newActionTestEnv(t)

	for _, method := range []string{http.MethodPut, http.MethodDelete} {
		resp, err := env.app.Test(httptest.NewRequest(method, "/api/collections/not-a-uuid/tracks", nil), -1)
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode, method)
	}
}

func TestDownloadTracksValidatesBody(t *testing.T) {
	env := newActionTestEnv(t)

	body, _ := json.Marshal([]string{})
	req := httptest.NewRequest(http.MethodPost, "/api/assets/audio/download/tracks", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal([]string{"not-a-uuid"})
	req = httptest.NewRequest(http.MethodPost, "/api/assets/audio/download/tracks", bytes.NewReader(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	env := newActionTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("not audio"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/assets/audio", &buf)
	req.Header.Set(fiber.HeaderContentType, mw.FormDataContentType())
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestRoutesRequireUser(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	svc := actions.NewService(config.Defaults(), queue.NewBroker(rdb, time.Hour), nil, nil)

	app := fiber.New()
	NewActionsHandler(svc).Register(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/actions", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
