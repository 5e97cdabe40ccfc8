package ids

// Allocator hands out image and annotation ids from two independent counters.
// Ids are strictly increasing by one, so a fixed input order always yields the
// same ids. An Allocator belongs to a single run and is not safe for
// concurrent use.
type Allocator struct {
	imageStart, annotationStart int
	nextImage, nextAnnotation   int
}

// NewAllocator creates an allocator with the given starting ids.
func NewAllocator(imageStart, annotationStart int) *Allocator {
	return &Allocator{
		imageStart:      imageStart,
		annotationStart: annotationStart,
		nextImage:       imageStart,
		nextAnnotation:  annotationStart,
	}
}

// NextImageID returns the next image id.
func (a *Allocator) NextImageID() int {
	id := a.nextImage
	a.nextImage++
	return id
}

// NextAnnotationID returns the next annotation id.
func (a *Allocator) NextAnnotationID() int {
	id := a.nextAnnotation
	a.nextAnnotation++
	return id
}

// Issued returns how many image and annotation ids have been handed out.
func (a *Allocator) Issued() (images, annotations int) {
	return a.nextImage - a.imageStart, a.nextAnnotation - a.annotationStart
}

// LastImageID returns the highest image id issued, or start-1 when none.
func (a *Allocator) LastImageID() int {
	return a.nextImage - 1
}

// LastAnnotationID returns the highest annotation id issued, or start-1 when none.
func (a *Allocator) LastAnnotationID() int {
	return a.nextAnnotation - 1
}
