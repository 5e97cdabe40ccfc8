package ids

import "testing"

func TestAllocator_IndependentCounters(t *testing.T) {
	a := NewAllocator(0, 0)

	if got := a.NextImageID(); got != 0 {
		t.Errorf("first image id = %d, want 0", got)
	}
	for i := 0; i < 3; i++ {
		if got := a.NextAnnotationID(); got != i {
			t.Errorf("annotation id = %d, want %d", got, i)
		}
	}
	if got := a.NextImageID(); got != 1 {
		t.Errorf("second image id = %d, want 1", got)
	}

	images, annotations := a.Issued()
	if images != 2 || annotations != 3 {
		t.Errorf("Issued() = %d, %d; want 2, 3", images, annotations)
	}
	if a.LastImageID() != 1 || a.LastAnnotationID() != 2 {
		t.Errorf("last ids = %d, %d", a.LastImageID(), a.LastAnnotationID())
	}
}

func TestAllocator_ConfigurableStart(t *testing.T) {
	a := NewAllocator(1, 100)
	if a.LastImageID() != 0 {
		t.Errorf("LastImageID before issue = %d, want 0", a.LastImageID())
	}
	if got := a.NextImageID(); got != 1 {
		t.Errorf("image id = %d, want 1", got)
	}
	if got := a.NextAnnotationID(); got != 100 {
		t.Errorf("annotation id = %d, want 100", got)
	}
}

func TestAllocator_NoDuplicates(t *testing.T) {
	a := NewAllocator(0, 0)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := a.NextAnnotationID()
		if seen[id] {
			t.Fatalf("duplicate annotation id %d", id)
		}
		seen[id] = true
	}
}
