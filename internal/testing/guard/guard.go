// Package guard flips the binaries into test mode when imported by a test.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("MERENDA_TEST_MODE") == "" {
			_ = os.Setenv("MERENDA_TEST_MODE", "1")
		}
	})
}
