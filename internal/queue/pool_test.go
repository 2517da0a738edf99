package queue

import (
	"testing"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
)

func TestGetPRPListPageSize(t *testing.T) {
	buf := GetPRPListPage()
	defer PutPRPListPage(buf)
	if len(buf) != constants.PageSize {
		t.Errorf("GetPRPListPage() length = %d, want %d", len(buf), constants.PageSize)
	}
}

func TestGetPRPListPageIsZeroed(t *testing.T) {
	buf := GetPRPListPage()
	buf[0] = 0xff
	buf[100] = 0xff
	PutPRPListPage(buf)

	again := GetPRPListPage()
	defer PutPRPListPage(again)
	for i, b := range again {
		if b != 0 {
			t.Fatalf("GetPRPListPage() byte %d = 0x%x, want 0 after reuse", i, b)
		}
	}
}

func TestPutPRPListPageRejectsWrongSize(t *testing.T) {
	// Should not panic on a buffer of the wrong capacity; it is simply
	// dropped rather than pooled.
	PutPRPListPage(make([]byte, 16))
}

func BenchmarkGetPRPListPage(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetPRPListPage()
		PutPRPListPage(buf)
	}
}
