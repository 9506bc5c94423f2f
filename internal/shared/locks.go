package shared

import "fmt"

// MemberLockKey names the critical section guarding one member's invoices and payments.
func MemberLockKey(memberID int64) string {
	return fmt.Sprintf("billing:member:%d", memberID)
}

// ImportLockKey builds the redis key serialising payment imports per provider.
func ImportLockKey(provider string) string {
	return fmt.Sprintf("payments:import:%s:lock", provider)
}
