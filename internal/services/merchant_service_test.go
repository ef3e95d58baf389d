package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func setupAuthConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestMerchantService_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()
	service := NewMerchantService(db, nil)

	t.Run("successful registration", func(t *testing.T) {
		req := RegisterRequest{
			Email:       "shop@example.com",
			Password:    "password123",
			ShopName:    "Sharma General Store",
			PhoneNumber: "+919812345678",
			UpiID:       "shop@oksbi",
		}

		mock.ExpectExec("INSERT INTO merchants").
			WithArgs(sqlmock.AnyArg(), req.Email, sqlmock.AnyArg(), req.PhoneNumber,
				req.ShopName, req.UpiID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, req.Email, response.Merchant.Email)
		assert.Equal(t, req.ShopName, response.Merchant.ShopName)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid request body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer([]byte("invalid")))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("upi id without handle rejected", func(t *testing.T) {
		req := RegisterRequest{
			Email:       "shop@example.com",
			Password:    "password123",
			ShopName:    "Sharma General Store",
			PhoneNumber: "+919812345678",
			UpiID:       "not-a-vpa",
		}

		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/register", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Register(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestMerchantService_Login(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	setupAuthConfig()
	service := NewMerchantService(db, nil)

	t.Run("successful login", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")
		now := time.Now()

		mock.ExpectQuery("SELECT merchant_id, email, password").
			WithArgs("shop@example.com").
			WillReturnRows(sqlmock.NewRows([]string{
				"merchant_id", "email", "password", "phone_number", "shop_name", "upi_id", "created_at", "updated_at",
			}).AddRow("merchant1", "shop@example.com", hashedPassword, "+919812345678",
				"Sharma General Store", "shop@oksbi", now, now))

		req := LoginRequest{Email: "shop@example.com", Password: "password123"}
		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response AuthResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, "merchant1", response.Merchant.MerchantID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("merchant not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT merchant_id, email, password").
			WithArgs("nobody@example.com").
			WillReturnError(sql.ErrNoRows)

		req := LoginRequest{Email: "nobody@example.com", Password: "password123"}
		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		hashedPassword, _ := hashPassword("password123")
		now := time.Now()

		mock.ExpectQuery("SELECT merchant_id, email, password").
			WithArgs("shop@example.com").
			WillReturnRows(sqlmock.NewRows([]string{
				"merchant_id", "email", "password", "phone_number", "shop_name", "upi_id", "created_at", "updated_at",
			}).AddRow("merchant1", "shop@example.com", hashedPassword, "", "", "", now, now))

		req := LoginRequest{Email: "shop@example.com", Password: "nottherightone"}
		body, _ := json.Marshal(req)
		r := httptest.NewRequest("POST", "/auth/login", bytes.NewBuffer(body))
		w := httptest.NewRecorder()

		service.Login(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPasswordHashing(t *testing.T) {
	setupAuthConfig()

	password := "testpassword"

	hashed, err := hashPassword(password)
	assert.NoError(t, err)
	assert.NotEmpty(t, hashed)

	assert.True(t, verifyPassword(password, hashed))
	assert.False(t, verifyPassword("wrongpassword", hashed))
}

func TestGenerateJWT(t *testing.T) {
	setupAuthConfig()

	token, err := generateJWT("merchant1")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
}
