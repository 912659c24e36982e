package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"rankqueue-backend/internal/middleware"
	"rankqueue-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeUsers struct {
	byEmail map[string]models.User
	tokens  map[string]string
	entries []models.QueueEntry
}

func newFakeUsers(t *testing.T) *fakeUsers {
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	return &fakeUsers{
		byEmail: map[string]models.User{
			"marshal@rank.test": {ID: "m1", Email: "marshal@rank.test", Password: string(hash), Name: "Thabo", Role: "marshal"},
		},
		tokens: map[string]string{},
	}
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	u, ok := f.byEmail[email]
	if !ok {
		return models.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeUsers) CreateUser(_ context.Context, user models.User) error {
	f.byEmail[user.Email] = user
	return nil
}

func (f *fakeUsers) SaveFCMToken(_ context.Context, userID, token, _ string) error {
	f.tokens[token] = userID
	return nil
}

func (f *fakeUsers) EntriesForDriver(_ context.Context, driverID string, limit int) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for _, e := range f.entries {
		if e.DriverID == driverID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func post(t *testing.T, h http.Handler, body interface{}, user *middleware.UserClaims) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	if user != nil {
		req = req.WithContext(middleware.WithUser(req.Context(), *user))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	users := newFakeUsers(t)
	h := Login(users, "login-secret")

	rec := post(t, h, LoginRequest{Email: "marshal@rank.test", Password: "password123"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	require.NotNil(t, resp.User)
	assert.Equal(t, "marshal", resp.User.Role)

	claims, err := middleware.ParseToken("login-secret", resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "m1", claims.UserID)

	rec = post(t, h, LoginRequest{Email: "marshal@rank.test", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h, LoginRequest{Email: "nobody@rank.test", Password: "password123"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateUser(t *testing.T) {
	users := newFakeUsers(t)
	h := CreateUser(users)

	rec := post(t, h, CreateUserRequest{Email: "d9@rank.test", Password: "pw", Name: "Sipho", Role: "driver"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	stored := users.byEmail["d9@rank.test"]
	assert.NotEmpty(t, stored.ID)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("pw")))

	rec = post(t, h, CreateUserRequest{Email: "d9@rank.test", Password: "pw", Name: "Sipho", Role: "driver"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(t, h, CreateUserRequest{Email: "x@rank.test", Password: "pw", Name: "X", Role: "admin"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterFCMToken(t *testing.T) {
	users := newFakeUsers(t)
	h := RegisterFCMToken(users)

	rec := post(t, h, map[string]string{"token": "tok-1", "device_type": "android"}, &driver1)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d1", users.tokens["tok-1"])

	rec = post(t, h, map[string]string{"token": "tok-2", "device_type": "web"}, &driver1)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, map[string]string{"token": "tok-3", "device_type": "ios"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetMyEntries(t *testing.T) {
	users := newFakeUsers(t)
	users.entries = []models.QueueEntry{
		{ID: "e1", DriverID: "d1", ZoneID: "rank-1"},
		{ID: "e2", DriverID: "d2", ZoneID: "rank-1"},
		{ID: "e3", DriverID: "d1", ZoneID: "rank-2"},
	}
	h := GetMyEntries(users)

	req := httptest.NewRequest(http.MethodGet, "/?limit=10", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), driver1))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var entries []models.QueueEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Len(t, entries, 2)

	req = httptest.NewRequest(http.MethodGet, "/?limit=0", nil)
	req = req.WithContext(middleware.WithUser(req.Context(), driver1))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
