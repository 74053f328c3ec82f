package settings_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/settings"
)

// MockRepository is a mock implementation of settings.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, s *settings.Settings) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

var defaults = settings.Settings{GenerationModel: "gemini-1.5-flash"}

func TestHandler_GetSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		mockRepo.On("Get", mock.Anything).Return(&settings.Settings{GeminiAPIKey: "AIzaSyExampleKey1234"}, nil)

		req := httptest.NewRequest("GET", "/system/settings", nil)
		w := httptest.NewRecorder()

		handler.GetSettings(w, req)

		resp := w.Result()
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

		data := body["data"].(map[string]interface{})
		assert.Equal(t, "****1234", data["gemini_api_key"])
		assert.Equal(t, "gemini-1.5-flash", data["generation_model"])

		mockRepo.AssertExpectations(t)
	})

	t.Run("InternalError", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		mockRepo.On("Get", mock.Anything).Return(nil, errors.New("db error"))

		req := httptest.NewRequest("GET", "/system/settings", nil)
		w := httptest.NewRecorder()

		handler.GetSettings(w, req)

		resp := w.Result()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestHandler_UpdateSettings(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.GeminiAPIKey == "new-key-123456" && s.GenerationModel == "gemini-1.5-pro"
		})).Return(nil)

		body, _ := json.Marshal(settings.Settings{GeminiAPIKey: "new-key-123456", GenerationModel: "gemini-1.5-pro"})
		req := httptest.NewRequest("PUT", "/system/settings", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		mockRepo.AssertExpectations(t)
	})

	t.Run("MaskedKeyKeepsStored", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		mockRepo.On("Get", mock.Anything).Return(&settings.Settings{GeminiAPIKey: "stored-key-9999"}, nil)
		mockRepo.On("Update", mock.Anything, mock.MatchedBy(func(s *settings.Settings) bool {
			return s.GeminiAPIKey == "stored-key-9999" && s.GenerationModel == "gemini-1.5-pro"
		})).Return(nil)

		body, _ := json.Marshal(settings.Settings{GeminiAPIKey: "****9999", GenerationModel: "gemini-1.5-pro"})
		req := httptest.NewRequest("PUT", "/system/settings", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		mockRepo.AssertExpectations(t)
	})

	t.Run("ShortKeyRejected", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		body, _ := json.Marshal(settings.Settings{GeminiAPIKey: "abc"})
		req := httptest.NewRequest("PUT", "/system/settings", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
		mockRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("ValidationError", func(t *testing.T) {
		mockRepo := new(MockRepository)
		handler := settings.NewHandler(settings.NewService(mockRepo, defaults))

		req := httptest.NewRequest("PUT", "/system/settings", bytes.NewBufferString("invalid json"))
		w := httptest.NewRecorder()

		handler.UpdateSettings(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})
}

func TestSettings_Masked(t *testing.T) {
	assert.Equal(t, "", settings.Settings{}.Masked().GeminiAPIKey)
	assert.Equal(t, "****", settings.Settings{GeminiAPIKey: "short123"}.Masked().GeminiAPIKey)
	assert.Equal(t, "****wxyz", settings.Settings{GeminiAPIKey: "abcdefghwxyz"}.Masked().GeminiAPIKey)
}
