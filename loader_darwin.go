//go:build darwin && cgo

package rebind

/*
#include <dlfcn.h>
#include <stdint.h>
#include <mach-o/dyld.h>

extern void rebindImageAdded(struct mach_header *mh, intptr_t slide);

static void image_added(const struct mach_header *mh, intptr_t slide) {
	rebindImageAdded((struct mach_header *)mh, slide);
}

static void subscribe(void) {
	_dyld_register_func_for_add_image(image_added);
}

static int known(uintptr_t addr) {
	Dl_info info;
	return dladdr((const void *)addr, &info) != 0;
}
*/
import "C"

import (
	"sync"
	"unsafe"
)

type dyldLoader struct{}

func platformLoader() Loader {
	return dyldLoader{}
}

func (dyldLoader) Known(header uintptr) bool {
	return C.known(C.uintptr_t(header)) != 0
}

func (dyldLoader) Images() []Image {
	count := uint32(C._dyld_image_count())
	images := make([]Image, 0, count)
	for i := uint32(0); i < count; i++ {
		header := C._dyld_get_image_header(C.uint32_t(i))
		if header == nil {
			// Unloaded since we counted.
			continue
		}
		images = append(images, Image{
			Header: uintptr(unsafe.Pointer(header)),
			Slide:  int(C._dyld_get_image_vmaddr_slide(C.uint32_t(i))),
			Path:   C.GoString(C._dyld_get_image_name(C.uint32_t(i))),
		})
	}
	return images
}

// dyld has no way to unregister a callback, so every subscriber is kept for
// the life of the process and the C callback is only registered once.
var (
	subscribeOnce sync.Once
	subscribersMu sync.Mutex
	subscribers   []func(Image)
)

func (dyldLoader) Subscribe(fn func(Image)) {
	subscribersMu.Lock()
	subscribers = append(subscribers, fn)
	registered := len(subscribers) > 1
	subscribersMu.Unlock()

	if registered {
		// dyld only replays existing images on registration, so do it
		// ourselves for later subscribers.
		for _, img := range (dyldLoader{}).Images() {
			fn(img)
		}
		return
	}

	subscribeOnce.Do(func() {
		C.subscribe()
	})
}

func imageAdded(img Image) {
	subscribersMu.Lock()
	fns := make([]func(Image), len(subscribers))
	copy(fns, subscribers)
	subscribersMu.Unlock()

	for _, fn := range fns {
		fn(img)
	}
}
