package provider

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// StandardSizes is the shape catalog of providers that size instances freely
// rather than offering named instance types.
var StandardSizes = []Size{
	{Name: "1cpu-2gb", CPUs: 1, MemoryGB: 2, DiskGB: 20},
	{Name: "2cpu-4gb", CPUs: 2, MemoryGB: 4, DiskGB: 20},
	{Name: "2cpu-8gb", CPUs: 2, MemoryGB: 8, DiskGB: 40},
	{Name: "4cpu-16gb", CPUs: 4, MemoryGB: 16, DiskGB: 80},
	{Name: "8cpu-32gb", CPUs: 8, MemoryGB: 32, DiskGB: 160},
	{Name: "16cpu-64gb", CPUs: 16, MemoryGB: 64, DiskGB: 320},
}

// SizeName formats the catalog name of a shape.
func SizeName(cpus, memoryGB int) string {
	return fmt.Sprintf("%dcpu-%dgb", cpus, memoryGB)
}

// SelectImage picks the image called name, or the first image when name is
// empty so that the choice is reproducible.
func SelectImage(provider string, images []Image, name string) (Image, error) {
	if len(images) == 0 {
		return Image{}, pkgerrors.WithStack(&ProviderError{Err: ErrEmptyCatalog, Provider: provider, Resource: "images"})
	}
	if name == "" {
		return images[0], nil
	}
	for _, image := range images {
		if image.Name == name {
			return image, nil
		}
	}
	return Image{}, pkgerrors.WithStack(&ProviderError{Err: ErrImageNotFound, Provider: provider, Resource: name})
}

// SelectSize picks the size called name, or the first size when name is empty.
func SelectSize(provider string, sizes []Size, name string) (Size, error) {
	if len(sizes) == 0 {
		return Size{}, pkgerrors.WithStack(&ProviderError{Err: ErrEmptyCatalog, Provider: provider, Resource: "sizes"})
	}
	if name == "" {
		return sizes[0], nil
	}
	for _, size := range sizes {
		if size.Name == name {
			return size, nil
		}
	}
	return Size{}, pkgerrors.WithStack(&ProviderError{Err: ErrSizeNotFound, Provider: provider, Resource: name})
}
