package memory_test

import (
	"testing"

	"github.com/snehjoshi/relayfeed/internal/storage"
	"github.com/snehjoshi/relayfeed/internal/storage/memory"
	"github.com/snehjoshi/relayfeed/internal/storage/storagetest"
)

func TestMemory_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine {
		s := memory.New()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
