// Rebind dynamically linked symbols at runtime
//
// Mach-O images call external functions through tables of pointers (the
// __la_symbol_ptr and __got sections). The dynamic loader fills those tables
// in, and nothing stops us from filling them in again with something else.
// This package finds every slot that refers to a named symbol and overwrites
// it with a replacement address, in every image that's loaded now or later.
//
// Limitations:
//   - Only does anything on darwin with cgo enabled. Elsewhere the default
//     loader knows no images, so RebindImage skips everything too; pass a
//     Loader with WithLoader to rebind Mach-O images mapped some other way.
//   - Calls that don't go through a symbol pointer (anything bound directly
//     by the static linker) can't be intercepted.
//   - The symbol pointer pages must already be writable. __DATA_CONST is
//     usually read-only after fixups and will fault.
//   - There's no way to undo a rebinding.
//   - The value stored in Rebinding.Replaced may be a stub helper rather than
//     the real function if the image hasn't called the symbol yet. Call the
//     function once before rebinding it if you need the real address.
package rebind
