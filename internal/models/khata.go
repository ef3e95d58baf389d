package models

import "time"

// Ledger entry types. The signed contribution of an entry to a customer's
// balance is fixed by its type: +amount for CREDIT (goods given on credit),
// -amount for DEBIT (payment received), 0 for NOTE.
const (
	EntryTypeCredit = "CREDIT"
	EntryTypeDebit  = "DEBIT"
	EntryTypeNote   = "NOTE"
)

const (
	EntryStatusPending = "PENDING"
	EntryStatusPaid    = "PAID"
)

// Customer is a khata account. TotalBalance is denormalized and must equal
// TotalCredit - TotalDebit after every entry mutation; positive means the
// customer owes the merchant. Customers are soft-deleted (IsActive=false)
// so their entry history survives.
type Customer struct {
	CustomerID   string     `json:"customerId" db:"customer_id"`
	MerchantID   string     `json:"merchantId" db:"merchant_id"`
	Name         string     `json:"name" db:"name"`
	Phone        string     `json:"phone,omitempty" db:"phone"`
	KhataType    string     `json:"khataType" db:"khata_type"` // daily | weekly | monthly, display hint only
	CreditLimit  int64      `json:"creditLimit" db:"credit_limit"`
	AvatarColor  string     `json:"avatarColor" db:"avatar_color"`
	TotalBalance int64      `json:"totalBalance" db:"total_balance"`
	TotalCredit  int64      `json:"totalCredit" db:"total_credit"`
	TotalDebit   int64      `json:"totalDebit" db:"total_debit"`
	IsActive     bool       `json:"isActive" db:"is_active"`
	LastEntryAt  *time.Time `json:"lastEntryAt,omitempty" db:"last_entry_at"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// LedgerEntry is one line of a customer's khata. Amount is in paise and
// non-negative; the entry type alone decides the sign. Unlike customers,
// deleted entries are removed physically and their contribution reversed.
type LedgerEntry struct {
	EntryID     string     `json:"entryId" db:"entry_id"`
	CustomerID  string     `json:"customerId" db:"customer_id"`
	MerchantID  string     `json:"merchantId" db:"merchant_id"`
	Type        string     `json:"type" db:"type"`
	Amount      int64      `json:"amount" db:"amount"`
	Description string     `json:"description" db:"description"`
	Note        string     `json:"note,omitempty" db:"note"`
	DueDate     *time.Time `json:"dueDate,omitempty" db:"due_date"`
	Status      string     `json:"status" db:"status"` // PENDING | PAID, meaningful for CREDIT with a due date
	PaidAt      *time.Time `json:"paidAt,omitempty" db:"paid_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}
