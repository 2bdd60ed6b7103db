package livepatch

// SystemImages enumerates the images registered with dyld.
type SystemImages struct{}

func (SystemImages) Images() ([]LoadedImage, error) {
	if err := loadLibSystem(); err != nil {
		return nil, err
	}

	count := libSystem.dyldImageCount()
	images := make([]LoadedImage, 0, count)
	for i := uint32(0); i < count; i++ {
		name := libSystem.dyldGetImageName(i)
		header := libSystem.dyldGetImageHeader(i)
		if name == "" || header == 0 {
			continue
		}
		slide := uintptr(libSystem.dyldGetImageVmaddrSlide(i))
		images = append(images, LoadedImage{Path: name, Base: header - slide, Slide: slide})
	}
	return images, nil
}
