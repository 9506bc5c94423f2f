package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("BILLING_TEST_MODE", "1")
		if os.Getenv("ADMIN_TOKEN") == "" {
			_ = os.Setenv("ADMIN_TOKEN", "test-token")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
