package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/crypto/argon2"

	"github.com/merchantmitra/backend/internal/models"
)

// MerchantService handles merchant registration, authentication and profile.
type MerchantService struct {
	db        *sql.DB
	redis     *redis.Client
	validator *ValidationHelper
}

func NewMerchantService(db *sql.DB, redisClient *redis.Client) *MerchantService {
	return &MerchantService{
		db:        db,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// RegisterRequest is the merchant signup payload
// @Description Merchant registration structure
type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email" example:"shop@example.com"`
	Password    string `json:"password" validate:"required,min=6" example:"password123"`
	ShopName    string `json:"shopName" validate:"required,min=2,max=100" example:"Sharma General Store"`
	PhoneNumber string `json:"phoneNumber" validate:"required,min=10,max=15" example:"+919812345678"`
	UpiID       string `json:"upiId" validate:"omitempty,contains=@" example:"shop@oksbi"`
}

// LoginRequest is the merchant login payload
// @Description Merchant login structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"shop@example.com"`
	Password string `json:"password" validate:"required,min=6" example:"password123"`
}

// UpdateProfileRequest edits the merchant profile
// @Description Merchant profile update structure
type UpdateProfileRequest struct {
	ShopName    string `json:"shopName" validate:"required,min=2,max=100"`
	PhoneNumber string `json:"phoneNumber" validate:"required,min=10,max=15"`
	UpiID       string `json:"upiId" validate:"omitempty,contains=@"`
}

// AuthResponse carries the session token and the merchant profile
// @Description Authentication response structure
type AuthResponse struct {
	Token    string          `json:"token"`
	Merchant models.Merchant `json:"merchant"`
}

func (s *MerchantService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// Register creates a merchant account
// @Summary Register a new merchant
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 201 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /auth/register [post]
func (s *MerchantService) Register(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Registration attempt from IP: %s", r.RemoteAddr)

	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Registration validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		log.Printf("[AUTH] Password hashing failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	merchant := models.Merchant{
		MerchantID:  uuid.NewString(),
		Email:       strings.ToLower(req.Email),
		PhoneNumber: req.PhoneNumber,
		ShopName:    req.ShopName,
		UpiID:       req.UpiID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(`
        INSERT INTO merchants (merchant_id, email, password, phone_number, shop_name, upi_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, merchant.MerchantID, merchant.Email, hashedPassword, merchant.PhoneNumber,
		merchant.ShopName, merchant.UpiID, merchant.CreatedAt, merchant.UpdatedAt)
	if err != nil {
		log.Printf("[AUTH] Merchant creation failed for %s: %v", req.Email, err)
		SendErrorResponse(w, "Email Already Exists", http.StatusConflict, nil)
		return
	}

	token, err := generateJWT(merchant.MerchantID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for merchant %s: %v", merchant.MerchantID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Registration successful for merchant %s", merchant.MerchantID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(AuthResponse{Token: token, Merchant: merchant})
}

// Login authenticates a merchant
// @Summary Login merchant
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 401 {object} ErrorResponse
// @Router /auth/login [post]
func (s *MerchantService) Login(w http.ResponseWriter, r *http.Request) {
	log.Printf("[AUTH] Login attempt from IP: %s", r.RemoteAddr)

	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		log.Printf("[AUTH] Login validation failed: %v", err)
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var merchant models.Merchant
	var hashedPassword string
	err := s.db.QueryRow(`
        SELECT merchant_id, email, password, phone_number, shop_name, upi_id, created_at, updated_at
        FROM merchants WHERE email = $1
    `, strings.ToLower(req.Email)).Scan(&merchant.MerchantID, &merchant.Email, &hashedPassword,
		&merchant.PhoneNumber, &merchant.ShopName, &merchant.UpiID, &merchant.CreatedAt, &merchant.UpdatedAt)
	if err != nil {
		log.Printf("[AUTH] Merchant not found for email: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		log.Printf("[AUTH] Invalid password for merchant: %s", req.Email)
		SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
		return
	}

	token, err := generateJWT(merchant.MerchantID)
	if err != nil {
		log.Printf("[AUTH] JWT generation failed for merchant %s: %v", merchant.MerchantID, err)
		SendErrorResponse(w, "Failed to generate token", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[AUTH] Login successful for merchant %s", merchant.MerchantID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AuthResponse{Token: token, Merchant: merchant})
}

// Logout blacklists the presented token until it would have expired
// @Summary Logout merchant
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *MerchantService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				log.Printf("[AUTH] Failed to blacklist token: %v", err)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Logout successful"})
}

// GetAccount returns the authenticated merchant's profile
// @Summary Get merchant account details
// @Tags auth
// @Produce json
// @Success 200 {object} models.Merchant
// @Failure 401 {object} ErrorResponse
// @Router /auth/account [get]
func (s *MerchantService) GetAccount(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var merchant models.Merchant
	err := s.db.QueryRow(`
        SELECT merchant_id, email, phone_number, shop_name, upi_id, created_at, updated_at
        FROM merchants WHERE merchant_id = $1
    `, merchantID).Scan(&merchant.MerchantID, &merchant.Email, &merchant.PhoneNumber,
		&merchant.ShopName, &merchant.UpiID, &merchant.CreatedAt, &merchant.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Merchant not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[AUTH] Failed to fetch merchant %s: %v", merchantID, err)
			SendErrorResponse(w, "Failed to fetch merchant details", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(merchant)
}

// UpdateAccount edits shop name, phone and UPI id
// @Summary Update merchant account details
// @Tags auth
// @Accept json
// @Produce json
// @Param request body UpdateProfileRequest true "Profile update"
// @Success 200 {object} models.Merchant
// @Failure 400 {object} ErrorResponse
// @Router /auth/account [put]
func (s *MerchantService) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req UpdateProfileRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.db.Exec(`
        UPDATE merchants SET shop_name = $1, phone_number = $2, upi_id = $3, updated_at = $4
        WHERE merchant_id = $5
    `, req.ShopName, req.PhoneNumber, req.UpiID, time.Now(), merchantID)
	if err != nil {
		log.Printf("[AUTH] Failed to update merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to update merchant", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Merchant not found", http.StatusNotFound, nil)
		return
	}

	s.GetAccount(w, r)
}

func generateJWT(merchantID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"merchant_id": merchantID,
		"exp":         time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}
