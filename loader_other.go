//go:build !darwin || !cgo

package rebind

// noLoader is used where there's no dyld to ask. It never has any images,
// so Rebind does nothing and RebindImage skips everything.
type noLoader struct{}

func platformLoader() Loader {
	return noLoader{}
}

func (noLoader) Known(uintptr) bool { return false }

func (noLoader) Images() []Image { return nil }

func (noLoader) Subscribe(func(Image)) {}
