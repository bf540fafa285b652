package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quocanhngo/convo/internal/chat"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/repository"
	"github.com/quocanhngo/convo/internal/service"
	"github.com/quocanhngo/convo/internal/store"
	"github.com/quocanhngo/convo/internal/ws"
	"github.com/quocanhngo/convo/pkg/auth"
	"github.com/quocanhngo/convo/pkg/storage"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStorage) UploadAvatar(_ context.Context, userID uuid.UUID, r io.Reader, _ int64, contentType string) (*storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	key := storage.AvatarKey(userID, contentType, time.Now())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return &storage.UploadResult{URL: m.GetPublicURL(key), Key: key, FileSize: int64(len(data)), MimeType: contentType}, nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) GetPublicURL(key string) string { return "http://cdn.test/avatars/" + key }

type testServer struct {
	router  *gin.Engine
	objects *memStorage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	base := store.NewMemoryStore(nil)
	jwtManager := auth.NewJWTManager("secret", time.Hour)
	revoker := auth.NewMemoryBlacklist()

	var sessions *chat.Manager
	hub := ws.NewHub(nil, func(id uuid.UUID) { sessions.Close(id) }, nil)
	sessions = chat.NewManager(base, chat.RealtimeConfig{MinBackoff: 10 * time.Millisecond}, 0, hub, nil)
	go hub.Run(ctx)
	t.Cleanup(sessions.Shutdown)

	authService := service.NewAuthService(
		repository.NewUserRepository(base),
		repository.NewProfileRepository(base),
		jwtManager, revoker, hub, nil)
	chatService := service.NewChatService(sessions)
	objects := &memStorage{objects: make(map[string][]byte)}

	router := NewRouter(Routes{
		Auth:    NewAuthHandler(authService),
		Chat:    NewChatHandler(chatService),
		WS:      NewWSHandler(hub, chatService, jwtManager, revoker, []string{"*"}, nil),
		Upload:  NewUploadHandler(objects, authService),
		JWT:     jwtManager,
		Revoker: revoker,
		Origins: []string{"*"},
	})
	return &testServer{router: router, objects: objects}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) register(t *testing.T, username string) model.LoginResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", model.RegisterRequest{Username: username, Password: "secret1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: got %d: %s", username, w.Code, w.Body)
	}
	var resp model.LoginResponse
	decode(t, w, &resp)
	return resp
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body, err)
	}
}

func errorCodeOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp model.ErrorResponse
	decode(t, w, &resp)
	return resp.Code
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	if w := s.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("got %d, want 200", w.Code)
	}
}

func TestAuthFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ann := s.register(t, "ann")
	s.register(t, "ben")

	w := s.do(t, http.MethodPost, "/api/v1/auth/register", "", model.RegisterRequest{Username: "ann", Password: "secret1"})
	if w.Code != http.StatusConflict || errorCodeOf(t, w) != "auth.usernameTaken" {
		t.Errorf("got %d %s, want 409 auth.usernameTaken", w.Code, w.Body)
	}
	w = s.do(t, http.MethodPost, "/api/v1/auth/login", "", model.LoginRequest{Username: "ann", Password: "wrong12"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", w.Code)
	}
	w = s.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{"username": "x"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400 for an invalid body", w.Code)
	}

	w = s.do(t, http.MethodGet, "/api/v1/users/search?q=be", ann.Token, nil)
	var found []model.ProfileResponse
	decode(t, w, &found)
	if len(found) != 1 || found[0].Username != "ben" {
		t.Errorf("got %v, want ben", found)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/users/search", ann.Token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400 without q", w.Code)
	}

	if w := s.do(t, http.MethodPost, "/api/v1/auth/logout", ann.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("logout: got %d: %s", w.Code, w.Body)
	}
	if w := s.do(t, http.MethodGet, "/api/v1/auth/profile", ann.Token, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401 after logout", w.Code)
	}
}

func TestConversationFlow(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ann := s.register(t, "ann")
	ben := s.register(t, "ben")

	w := s.do(t, http.MethodPost, "/api/v1/conversations", ann.Token, model.CreateConversationRequest{MemberIDs: []uuid.UUID{ben.User.UserID}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", w.Code, w.Body)
	}
	var conv model.ConversationView
	decode(t, w, &conv)
	base := "/api/v1/conversations/" + conv.ID.String()

	if w := s.do(t, http.MethodPost, "/api/v1/session/send", ann.Token, model.SendRequest{}); w.Code != http.StatusBadRequest || errorCodeOf(t, w) != "conversation.notSelected" {
		t.Errorf("got %d %s, want 400 conversation.notSelected", w.Code, w.Body)
	}

	w = s.do(t, http.MethodPost, base+"/select", ann.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("select: got %d: %s", w.Code, w.Body)
	}
	var state model.SessionState
	decode(t, w, &state)
	if state.Selected == nil || state.Selected.ID != conv.ID || state.MyRole != model.RoleAdmin {
		t.Errorf("got %+v, want the conversation open as admin", state.Selected)
	}

	blank := "   "
	if w := s.do(t, http.MethodPost, "/api/v1/session/send", ann.Token, model.SendRequest{Content: &blank}); w.Code != http.StatusBadRequest || errorCodeOf(t, w) != "message.empty" {
		t.Errorf("got %d %s, want 400 message.empty", w.Code, w.Body)
	}

	if w := s.do(t, http.MethodPut, "/api/v1/session/composer", ann.Token, model.ComposerRequest{Text: "hello"}); w.Code != http.StatusOK {
		t.Fatalf("composer: got %d: %s", w.Code, w.Body)
	}
	w = s.do(t, http.MethodPost, "/api/v1/session/send", ann.Token, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("send: got %d: %s", w.Code, w.Body)
	}
	var msg model.Message
	decode(t, w, &msg)
	if msg.Content != "hello" || msg.SenderUsername != "ann" {
		t.Errorf("got %+v, want hello from ann", msg)
	}

	w = s.do(t, http.MethodGet, base+"/messages", ben.Token, nil)
	var history []model.Message
	decode(t, w, &history)
	if len(history) != 1 || history[0].ID != msg.ID {
		t.Errorf("got %v, want the sent message", history)
	}

	w = s.do(t, http.MethodGet, base+"/participants", ben.Token, nil)
	var roster []model.ParticipantView
	decode(t, w, &roster)
	if len(roster) != 2 || roster[0].Role != model.RoleAdmin {
		t.Errorf("got %v, want admin first", roster)
	}

	w = s.do(t, http.MethodPatch, base+"/participants/"+ann.User.UserID.String(), ben.Token, model.ChangeRoleRequest{Role: "member"})
	if w.Code != http.StatusBadRequest || errorCodeOf(t, w) != "role.lastAdmin" {
		t.Errorf("got %d %s, want 400 role.lastAdmin", w.Code, w.Body)
	}
	w = s.do(t, http.MethodPatch, base+"/participants/"+ben.User.UserID.String(), ann.Token, model.ChangeRoleRequest{Role: "moderator"})
	if w.Code != http.StatusOK {
		t.Errorf("got %d %s, want 200", w.Code, w.Body)
	}

	w = s.do(t, http.MethodDelete, "/api/v1/session/selection", ann.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deselect: got %d: %s", w.Code, w.Body)
	}
	var closed model.SessionState
	decode(t, w, &closed)
	if closed.Selected != nil || len(closed.Messages) != 0 {
		t.Errorf("got selection %+v with %d messages, want none", closed.Selected, len(closed.Messages))
	}
	if w := s.do(t, http.MethodPost, "/api/v1/session/send", ann.Token, model.SendRequest{Content: &blank}); w.Code != http.StatusBadRequest || errorCodeOf(t, w) != "conversation.notSelected" {
		t.Errorf("got %d %s, want 400 conversation.notSelected", w.Code, w.Body)
	}

	if w := s.do(t, http.MethodPost, base+"/hide", ann.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("hide: got %d: %s", w.Code, w.Body)
	}
	w = s.do(t, http.MethodGet, "/api/v1/conversations", ann.Token, nil)
	var list []model.ConversationView
	decode(t, w, &list)
	if len(list) != 0 {
		t.Errorf("got %v, want the hidden conversation left out", list)
	}

	if w := s.do(t, http.MethodGet, "/api/v1/conversations/nope/messages", ann.Token, nil); w.Code != http.StatusBadRequest {
		t.Errorf("got %d, want 400 for a malformed id", w.Code)
	}
	eve := s.register(t, "eve")
	if w := s.do(t, http.MethodGet, base+"/messages", eve.Token, nil); w.Code != http.StatusForbidden {
		t.Errorf("got %d, want 403 for an outsider", w.Code)
	}
}

func TestUploadAvatar(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ann := s.register(t, "ann")

	upload := func(content []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		part, err := mw.CreateFormFile("file", "avatar.bin")
		if err != nil {
			t.Fatal(err)
		}
		part.Write(content)
		mw.Close()

		req := httptest.NewRequest(http.MethodPut, "/api/v1/auth/profile/avatar", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+ann.Token)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		return w
	}

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	w := upload(png)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body)
	}
	var profile model.ProfileResponse
	decode(t, w, &profile)
	if !strings.HasPrefix(profile.AvatarURL, "http://cdn.test/avatars/avatars/"+ann.User.UserID.String()) || !strings.HasSuffix(profile.AvatarURL, ".png") {
		t.Errorf("got %q, want a png under the user's prefix", profile.AvatarURL)
	}

	w = upload([]byte("plain text, not an image"))
	if w.Code != http.StatusBadRequest || errorCodeOf(t, w) != "upload.unsupportedType" {
		t.Errorf("got %d %s, want 400 upload.unsupportedType", w.Code, w.Body)
	}
	if n := len(s.objects.objects); n != 1 {
		t.Errorf("got %d stored objects, want 1", n)
	}
}

func TestWebSocketSession(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	ann := s.register(t, "ann")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token="
	if _, resp, err := websocket.DefaultDialer.Dial(url+"bogus", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("got %v, want 401 for a bad token", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+ann.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	next := func() model.WSEvent {
		t.Helper()
		var ev model.WSEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	if ev := next(); ev.Type != model.WSEventSessionState {
		t.Fatalf("got %s first, want session_state", ev.Type)
	}

	if err := conn.WriteJSON(model.WSEvent{Type: model.WSEventCompose, Payload: model.WSCommand{Text: "draft"}}); err != nil {
		t.Fatal(err)
	}
	for {
		ev := next()
		if ev.Type != model.WSEventSessionState {
			continue
		}
		payload, _ := ev.Payload.(map[string]any)
		if payload["new_message"] == "draft" {
			break
		}
	}

	if err := conn.WriteJSON(model.WSEvent{Type: "dance"}); err != nil {
		t.Fatal(err)
	}
	for {
		ev := next()
		if ev.Type != model.WSEventError {
			continue
		}
		payload, _ := ev.Payload.(map[string]any)
		if payload["code"] != "ws.unknownEvent" {
			t.Errorf("got %v, want ws.unknownEvent", payload["code"])
		}
		break
	}
}
