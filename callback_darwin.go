//go:build darwin && cgo

package rebind

/*
#include <stdint.h>
#include <mach-o/loader.h>
*/
import "C"

import "unsafe"

// rebindImageAdded is registered with _dyld_register_func_for_add_image. dyld
// calls it with its own lock held, on whichever thread is loading the image.
//
//export rebindImageAdded
func rebindImageAdded(mh *C.struct_mach_header, slide C.intptr_t) {
	imageAdded(Image{
		Header: uintptr(unsafe.Pointer(mh)),
		Slide:  int(slide),
	})
}
