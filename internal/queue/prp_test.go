package queue

import (
	"encoding/binary"
	"testing"

	"github.com/ehrlich-b/nvme-uio/internal/constants"
)

// identityTranslator maps vaddr -> iova as the identity function, offset
// by a fixed base, which is all MapPRP's arithmetic needs to be exercised
// without a real IommuCtx.
type identityTranslator struct{ base uint64 }

func (it identityTranslator) Translate(vaddr uintptr) (uint64, error) {
	return it.base + uint64(vaddr), nil
}

func TestMapPRPSinglePage(t *testing.T) {
	tr := identityTranslator{base: 0x100000}
	prp1, prp2, err := MapPRP(tr, 0x2000, 1024, nil)
	if err != nil {
		t.Fatalf("MapPRP: %v", err)
	}
	if prp1 != 0x102000 {
		t.Errorf("prp1 = 0x%x, want 0x102000", prp1)
	}
	if prp2 != 0 {
		t.Errorf("prp2 = 0x%x, want 0 for a single-page transfer", prp2)
	}
}

func TestMapPRPTwoPages(t *testing.T) {
	tr := identityTranslator{base: 0}
	// Buffer starts at a page boundary, spans exactly two pages.
	vaddr := uintptr(constants.PageSize * 4)
	prp1, prp2, err := MapPRP(tr, vaddr, uint64(constants.PageSize)+100, nil)
	if err != nil {
		t.Fatalf("MapPRP: %v", err)
	}
	if prp1 != uint64(vaddr) {
		t.Errorf("prp1 = 0x%x, want 0x%x", prp1, vaddr)
	}
	wantPrp2 := uint64(vaddr) + uint64(constants.PageSize)
	if prp2 != wantPrp2 {
		t.Errorf("prp2 = 0x%x, want 0x%x (second page, no list needed)", prp2, wantPrp2)
	}
}

func TestMapPRPRequiresListPageForThreePages(t *testing.T) {
	tr := identityTranslator{base: 0}
	vaddr := uintptr(constants.PageSize * 4)
	length := uint64(constants.PageSize) * 3

	_, _, err := MapPRP(tr, vaddr, length, nil)
	if err == nil {
		t.Fatal("expected MapPRP to fail without a list page for a 3-page transfer")
	}

	listPage := make([]byte, constants.PageSize)
	prp1, prp2, err := MapPRP(tr, vaddr, length, listPage)
	if err != nil {
		t.Fatalf("MapPRP with list page: %v", err)
	}
	if prp1 != uint64(vaddr) {
		t.Errorf("prp1 = 0x%x, want 0x%x", prp1, vaddr)
	}
	if prp2 == 0 {
		t.Fatal("prp2 should be the list page's iova, got 0")
	}

	// The list page should hold two more page IOVAs (pages 2 and 3 of the
	// transfer; page 1 is covered by prp1 directly).
	entry0 := binary.LittleEndian.Uint64(listPage[0:8])
	entry1 := binary.LittleEndian.Uint64(listPage[8:16])
	if entry0 != uint64(vaddr)+uint64(constants.PageSize) {
		t.Errorf("list entry 0 = 0x%x, want 0x%x", entry0, uint64(vaddr)+uint64(constants.PageSize))
	}
	if entry1 != uint64(vaddr)+2*uint64(constants.PageSize) {
		t.Errorf("list entry 1 = 0x%x, want 0x%x", entry1, uint64(vaddr)+2*uint64(constants.PageSize))
	}
}

func TestMapPRPRejectsZeroLength(t *testing.T) {
	tr := identityTranslator{base: 0}
	_, _, err := MapPRP(tr, 0x1000, 0, nil)
	if err == nil {
		t.Fatal("expected MapPRP to reject a zero-length transfer")
	}
}
