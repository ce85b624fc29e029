package rebind

import "fmt"

// Image is a Mach-O image mapped into the process.
type Image struct {
	// Header is the address of the image's mach_header.
	Header uintptr

	// Slide is the difference between where the image was loaded and the
	// addresses recorded in it.
	Slide int

	// Path is only used in log messages. It may be empty.
	Path string
}

func (img Image) String() string {
	if img.Path != "" {
		return img.Path
	}
	return fmt.Sprintf("%#x", img.Header)
}

// Loader is the dynamic loader's view of the process.
//
// Implementations may call back into the Rebinder from Subscribe, so a
// Rebinder never calls a Loader method while holding its own locks.
type Loader interface {
	// Known reports whether header is the start of an image the loader
	// knows about.
	Known(header uintptr) bool

	// Images returns every image currently loaded.
	Images() []Image

	// Subscribe arranges for fn to be called once for every image already
	// loaded, before Subscribe returns, and once for every image loaded
	// afterwards.
	Subscribe(fn func(Image))
}
