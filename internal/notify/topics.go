package notify

import "fmt"

// Topics are scoped per merchant so a subscriber only sees its own records.

func PaymentTopic(merchantID string) string {
	return fmt.Sprintf("payments:%s", merchantID)
}

func KhataTopic(merchantID string) string {
	return fmt.Sprintf("khata:%s", merchantID)
}
