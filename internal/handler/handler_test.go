package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pharmportal/internal/config"
	"github.com/pharmportal/internal/identity"
	"github.com/pharmportal/internal/middleware"
	"github.com/pharmportal/internal/model"
	"github.com/pharmportal/internal/service"
	"github.com/pharmportal/internal/storage/memory"
	"github.com/pharmportal/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "handler-test-secret"

type testEnv struct {
	srv   *httptest.Server
	store *memory.Client
	hub   *ws.Hub
	// id-шники уникальны на тест, чтобы не упираться в общий лимит запросов
	adminID, b64ID, b71ID, lonerID string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	tasks := service.NewTaskService(store.Tasks())
	chat := service.NewChatService(store.Messages(), nil)
	hub := ws.NewHub(chat, nil, 0)
	chat.SetPublisher(hub)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	resolver := identity.NewResolver(identity.NewJWTResolver(testSecret), store, nil)
	cfg := &config.Config{Chat: config.ChatConfig{HistoryDefault: 50, HistoryMax: 200}}
	r := chi.NewRouter()
	r.Use(middleware.RecoverJSON)
	Routes{
		Tasks:  NewTaskHandler(tasks),
		Chat:   NewChatHandler(chat),
		Users:  NewUserHandler(store),
		Config: NewConfigHandler(cfg),
		WS:     NewWSHandler(hub, resolver, time.Second, "*", ws.Limits{}),
		Auth:   middleware.BearerAuth(resolver),
	}.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	suffix := uuid.New().String()[:8]
	return &testEnv{
		srv: srv, store: store, hub: hub,
		adminID: "admin-" + suffix, b64ID: "b64-" + suffix, b71ID: "b71-" + suffix, lonerID: "loner-" + suffix,
	}
}

func (e *testEnv) token(t *testing.T, id, role, company, code string) string {
	t.Helper()
	claims := jwt.MapClaims{"id": id, "name": "Test " + id, "role": role}
	if company != "" {
		claims["company"] = company
	}
	if code != "" {
		claims["pharmacyCode"] = code
	}
	tok, err := identity.Sign(testSecret, claims, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) admin(t *testing.T) string  { return e.token(t, e.adminID, "admin", "acme", "0001") }
func (e *testEnv) branch(t *testing.T, code string) string {
	id := e.b64ID
	if code == "0071" {
		id = e.b71ID
	}
	return e.token(t, id, "user", "acme", code)
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body any) (int, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func decodeTask(t *testing.T, data []byte) model.Task {
	t.Helper()
	var task model.Task
	require.NoError(t, json.Unmarshal(data, &task))
	return task
}

func TestHealthAndConfig(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	code, body = e.do(t, http.MethodGet, "/api/config/chat", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"history_default":50,"history_max":200}`, string(body))
}

func TestTasks_RequireCredential(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/api/tasks/my", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Contains(t, string(body), `"ok":false`)

	code, _ = e.do(t, http.MethodGet, "/api/tasks/my", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestTasks_AdminOnly(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/api/tasks", e.branch(t, "0064"), map[string]any{"title": "x"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, http.MethodGet, "/api/tasks", e.branch(t, "0064"), nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestTasks_EndToEndTwoBranches(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/api/tasks", e.admin(t), map[string]any{
		"title":         "Check expirations",
		"dueDate":       "2026-11-01",
		"pharmacyCodes": []string{"0064", "0071"},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	task := decodeTask(t, body)
	require.Len(t, task.Completions, 2)
	assert.False(t, task.Completions["0064"].Done)
	assert.False(t, task.Completions["0071"].Done)
	require.NotNil(t, task.DueDate)

	code, body = e.do(t, http.MethodGet, "/api/tasks/my", e.branch(t, "0064"), nil)
	require.Equal(t, http.StatusOK, code)
	var mine []model.Task
	require.NoError(t, json.Unmarshal(body, &mine))
	require.Len(t, mine, 1)

	code, body = e.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/complete", e.branch(t, "0064"), map[string]any{"note": "hotovo"})
	require.Equal(t, http.StatusOK, code, string(body))
	got := decodeTask(t, body)
	assert.True(t, got.Completions["0064"].Done, "done defaults to true")
	assert.Equal(t, "hotovo", got.Completions["0064"].Note)
	assert.False(t, got.Completions["0071"].Done)
	assert.Equal(t, model.TaskStatusOpen, got.Status)
}

func TestTasks_SingleBranchCompletes(t *testing.T) {
	e := newEnv(t)
	_, body := e.do(t, http.MethodPost, "/api/tasks", e.admin(t), map[string]any{"title": "Single", "pharmacyCodes": []string{"0064"}})
	task := decodeTask(t, body)

	code, body := e.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/complete", e.branch(t, "0064"), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.TaskStatusDone, decodeTask(t, body).Status)

	code, body = e.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/complete", e.branch(t, "0064"), map[string]any{"done": false})
	require.Equal(t, http.StatusOK, code)
	got := decodeTask(t, body)
	assert.False(t, got.Completions["0064"].Done)
	assert.Equal(t, model.TaskStatusDone, got.Status, "untoggle keeps done status")
}

func TestTasks_UpdateListAndArchive(t *testing.T) {
	e := newEnv(t)
	admin := e.admin(t)
	_, body := e.do(t, http.MethodPost, "/api/tasks", admin, map[string]any{
		"title": "Inventura", "dueDate": "2026-11-01T10:00:00Z", "pharmacyCodes": []string{"0064"},
	})
	task := decodeTask(t, body)

	code, body := e.do(t, http.MethodPut, "/api/tasks/"+task.ID, admin, `{"dueDate": null, "pharmacyCodes": ["0071"]}`)
	require.Equal(t, http.StatusOK, code, string(body))
	got := decodeTask(t, body)
	assert.Nil(t, got.DueDate)
	assert.Equal(t, "Inventura", got.Title)
	assert.Contains(t, got.Completions, "0064", "completion keys never removed")
	assert.Contains(t, got.Completions, "0071")

	code, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, admin, map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, admin, `{"title":`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/api/tasks?q=invent&pharmacyCode=0071", admin, nil)
	require.Equal(t, http.StatusOK, code)
	var list []model.Task
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	code, body = e.do(t, http.MethodDelete, "/api/tasks/"+task.ID, admin, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(body))

	code, _ = e.do(t, http.MethodDelete, "/api/tasks/"+task.ID, admin, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/complete", e.branch(t, "0071"), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPut, "/api/tasks/"+task.ID, admin, map[string]any{"title": "x"})
	assert.Equal(t, http.StatusNotFound, code)
}

type historyBody struct {
	OK    bool            `json:"ok"`
	Items []model.Message `json:"items"`
	Error string          `json:"error"`
}

func TestChat_HistoryAndPost(t *testing.T) {
	e := newEnv(t)
	tok := e.branch(t, "0064")

	for _, txt := range []string{"M1", "M2", "M3"} {
		code, body := e.do(t, http.MethodPost, "/api/chat/message", tok, map[string]any{"scope": "company", "text": txt})
		require.Equal(t, http.StatusOK, code, string(body))
	}
	code, body := e.do(t, http.MethodPost, "/api/chat/message", tok, map[string]any{"scope": "pharmacy", "text": "branch only"})
	require.Equal(t, http.StatusOK, code)
	var posted messageResponse
	require.NoError(t, json.Unmarshal(body, &posted))
	require.NotNil(t, posted.Message.PharmacyCode)
	assert.Equal(t, "0064", *posted.Message.PharmacyCode)

	code, body = e.do(t, http.MethodGet, "/api/chat/history?scope=company&limit=2", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var h historyBody
	require.NoError(t, json.Unmarshal(body, &h))
	assert.True(t, h.OK)
	require.Len(t, h.Items, 2)
	assert.Equal(t, "M2", h.Items[0].Text)
	assert.Equal(t, "M3", h.Items[1].Text)
	assert.Nil(t, h.Items[1].PharmacyCode)

	code, body = e.do(t, http.MethodGet, "/api/chat/history?scope=pharmacy", e.branch(t, "0071"), nil)
	require.Equal(t, http.StatusOK, code)
	h = historyBody{}
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Empty(t, h.Items)
	assert.NotNil(t, h.Items)
}

func TestChat_Errors(t *testing.T) {
	e := newEnv(t)
	noBranch := e.token(t, e.lonerID, "user", "acme", "")
	noCompany := e.token(t, e.lonerID+"x", "user", "", "")

	code, _ := e.do(t, http.MethodGet, "/api/chat/history?scope=pharmacy", noBranch, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.do(t, http.MethodGet, "/api/chat/history", noCompany, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := e.do(t, http.MethodPost, "/api/chat/message", noBranch, map[string]any{"scope": "company", "text": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, string(body), `"ok":false`)
}

func TestUsers_MeAndProfile(t *testing.T) {
	e := newEnv(t)
	e.store.PutUser(&model.User{ID: e.lonerID, Username: "eva", FullName: "Eva Nová", Role: model.RoleAdmin, Company: "acme", PharmacyCode: model.StringPtr("0064")})
	tok, err := identity.Sign(testSecret, jwt.MapClaims{"sub": e.lonerID}, time.Hour)
	require.NoError(t, err)

	code, body := e.do(t, http.MethodGet, "/api/protected/me", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var me meResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.True(t, me.OK)
	assert.Equal(t, "acme", me.User.Company)
	assert.Equal(t, model.RoleAdmin, me.User.Role)
	require.NotNil(t, me.User.PharmacyCode)
	assert.Equal(t, "0064", *me.User.PharmacyCode)

	code, _ = e.do(t, http.MethodGet, "/api/protected/admin", tok, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/api/protected/admin", e.branch(t, "0064"), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = e.do(t, http.MethodGet, "/api/users/me", tok, nil)
	require.Equal(t, http.StatusOK, code)
	var u model.User
	require.NoError(t, json.Unmarshal(body, &u))
	assert.Equal(t, "Eva Nová", u.FullName)

	code, _ = e.do(t, http.MethodGet, "/api/users/me", e.branch(t, "0064"), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

type frame struct {
	Type    string          `json:"type"`
	AckID   string          `json:"ack_id"`
	Payload json.RawMessage `json:"payload"`
}

func (e *testEnv) dial(t *testing.T, tok string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if tok != "" {
		url += "?token=" + tok
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWS_HandshakeRejects(t *testing.T) {
	e := newEnv(t)
	_, resp, err := e.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = e.dial(t, "garbage")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = e.dial(t, e.token(t, e.lonerID, "user", "", ""))
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWS_ChatMessageRoundTrip(t *testing.T) {
	e := newEnv(t)
	sender, _, err := e.dial(t, e.branch(t, "0064"))
	require.NoError(t, err)
	peer, _, err := e.dial(t, e.token(t, e.lonerID, "user", "acme", "0064"))
	require.NoError(t, err)
	other, _, err := e.dial(t, e.branch(t, "0071"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.ChannelSize("pharmacy:acme:0064") == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.hub.ChannelSize("company:acme") == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.WriteJSON(map[string]any{
		"type": "chat:message", "ack_id": "42",
		"payload": map[string]string{"scope": "pharmacy", "text": "Ahoj pobočko"},
	}))

	broadcast := readFrame(t, sender)
	assert.Equal(t, "chat:message", broadcast.Type)
	ack := readFrame(t, sender)
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, "42", ack.AckID)
	var ap ws.AckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ap))
	assert.True(t, ap.OK)
	require.NotNil(t, ap.Message)
	assert.Equal(t, "Ahoj pobočko", ap.Message.Text)

	got := readFrame(t, peer)
	var m model.Message
	require.NoError(t, json.Unmarshal(got.Payload, &m))
	assert.Equal(t, ap.Message.ID, m.ID)

	// company message over REST reaches every session of the company, including branch 0071
	code, _ := e.do(t, http.MethodPost, "/api/chat/message", e.admin(t), map[string]any{"scope": "company", "text": "Porada"})
	require.Equal(t, http.StatusOK, code)
	f := readFrame(t, other)
	require.NoError(t, json.Unmarshal(f.Payload, &m))
	assert.Equal(t, "Porada", m.Text)
	assert.Nil(t, m.PharmacyCode)
}

func TestWS_FailureOnlyInAck(t *testing.T) {
	e := newEnv(t)
	conn, _, err := e.dial(t, e.token(t, e.lonerID, "user", "acme", ""))
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "chat:message", "ack_id": "1",
		"payload": map[string]string{"scope": "pharmacy", "text": "hi"},
	}))
	f := readFrame(t, conn)
	assert.Equal(t, "ack", f.Type)
	var ap ws.AckPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ap))
	assert.False(t, ap.OK)
	assert.NotEmpty(t, ap.Error)
}

func TestWS_SendRightAfterHandshake(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 20; i++ {
		conn, _, err := e.dial(t, e.branch(t, "0064"))
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(map[string]any{
			"type": "chat:message", "ack_id": "1",
			"payload": map[string]string{"scope": "pharmacy", "text": "hned po připojení"},
		}))
		require.Equal(t, "chat:message", readFrame(t, conn).Type, "iteration %d", i)
		require.Equal(t, "ack", readFrame(t, conn).Type)
		conn.Close()
	}
	require.Eventually(t, func() bool { return e.hub.Size() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWS_MissingScopeRejected(t *testing.T) {
	e := newEnv(t)
	sender, _, err := e.dial(t, e.branch(t, "0064"))
	require.NoError(t, err)
	other, _, err := e.dial(t, e.branch(t, "0071"))
	require.NoError(t, err)

	require.NoError(t, sender.WriteJSON(map[string]any{
		"type": "chat:message", "ack_id": "9",
		"payload": map[string]string{"text": "bez scope"},
	}))
	f := readFrame(t, sender)
	assert.Equal(t, "ack", f.Type)
	var ap ws.AckPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ap))
	assert.False(t, ap.OK)
	assert.Equal(t, "invalid payload", ap.Error)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)

	code, body := e.do(t, http.MethodGet, "/api/chat/history?scope=company", e.admin(t), nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotContains(t, string(body), "bez scope")
}

func TestTasks_PersonalCompletionKey(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/api/tasks", e.admin(t), map[string]any{
		"title": "Osobní úkol", "userIds": []string{e.lonerID},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	task := decodeTask(t, body)

	loner := e.token(t, e.lonerID, "user", "acme", "")
	code, body = e.do(t, http.MethodPut, "/api/tasks/"+task.ID+"/complete", loner, map[string]any{"done": true})
	require.Equal(t, http.StatusOK, code, string(body))

	var raw struct {
		Status      string                     `json:"status"`
		Completions map[string]json.RawMessage `json:"completions"`
	}
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Contains(t, raw.Completions, "user:"+e.lonerID)
	assert.NotContains(t, raw.Completions, e.lonerID)
	assert.Equal(t, "done", raw.Status)
}
