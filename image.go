package livepatch

import (
	"context"
	"os"
	"strings"
	"time"
)

// LoadedImage is one executable image as reported by an ImageEnumerator.
// Base is the image's link-time (unslid) base address and Slide the load bias
// the loader applied to it.
type LoadedImage struct {
	Path  string
	Base  uintptr
	Slide uintptr
}

// ImageEnumerator lists the images currently loaded in the process. Each call
// returns a fresh snapshot.
type ImageEnumerator interface {
	Images() ([]LoadedImage, error)
}

// Image is a resolved image. Offsets handed to Address are static offsets
// relative to the image's link-time base.
type Image struct {
	Index int
	Path  string
	Base  uintptr
	Slide uintptr
}

// Address converts a static offset into a runtime address.
func (i Image) Address(offset uint64) uintptr {
	return i.Base + i.Slide + uintptr(offset)
}

// Offset is the inverse of Address.
func (i Image) Offset(addr uintptr) uint64 {
	return uint64(addr - i.Base - i.Slide)
}

// Absolute maps offsets to themselves, for registries keyed by runtime
// address.
type Absolute struct{}

func (Absolute) Address(offset uint64) uintptr {
	return uintptr(offset)
}

// Resolver finds loaded images by file name.
type Resolver struct {
	enum ImageEnumerator
}

// NewResolver returns a resolver over enum, or over the images of the current
// process when enum is nil.
func NewResolver(enum ImageEnumerator) *Resolver {
	if enum == nil {
		enum = SystemImages{}
	}
	return &Resolver{enum: enum}
}

// Resolve returns the first loaded image whose path ends with name on a path
// component boundary. The comparison is case-sensitive.
func (r *Resolver) Resolve(name string) (Image, error) {
	if name == "" {
		return Image{}, newError(ErrImageNotFound, "resolve", quote(name), nil)
	}

	images, err := r.enum.Images()
	if err != nil {
		return Image{}, newError(ErrImageNotFound, "resolve", quote(name), err)
	}

	for i, img := range images {
		if MatchImagePath(img.Path, name) {
			return Image{Index: i, Path: img.Path, Base: img.Base, Slide: img.Slide}, nil
		}
	}
	return Image{}, newError(ErrImageNotFound, "resolve", quote(name), nil)
}

// ResolveExecutable resolves the main executable of the process.
func (r *Resolver) ResolveExecutable() (Image, error) {
	exe, err := os.Executable()
	if err != nil {
		return Image{}, newError(ErrImageNotFound, "resolve", "executable", err)
	}
	return r.Resolve(exe)
}

// WaitForImage polls Resolve every interval until the image is loaded or ctx
// is done.
func (r *Resolver) WaitForImage(ctx context.Context, name string, interval time.Duration) (Image, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		img, err := r.Resolve(name)
		if err == nil {
			return img, nil
		}

		select {
		case <-ctx.Done():
			return Image{}, newError(ErrImageNotFound, "wait", quote(name), ctx.Err())
		case <-ticker.C:
		}
	}
}

// MatchImagePath reports whether path names the file name: either the whole
// path equals name or it ends with a separator followed by name.
func MatchImagePath(path, name string) bool {
	if name == "" || !strings.HasSuffix(path, name) {
		return false
	}
	if len(path) == len(name) {
		return true
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return true
	}
	sep := path[len(path)-len(name)-1]
	return sep == '/' || sep == '\\'
}
