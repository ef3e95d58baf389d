package models

import "time"

// Merchant is the shop owner account. ShopName and UpiID feed the UPI deep
// link generated for collection requests.
type Merchant struct {
	MerchantID  string    `json:"merchantId" db:"merchant_id"`
	Email       string    `json:"email" db:"email"`
	PhoneNumber string    `json:"phoneNumber" db:"phone_number"`
	ShopName    string    `json:"shopName" db:"shop_name"`
	UpiID       string    `json:"upiId" db:"upi_id"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}
