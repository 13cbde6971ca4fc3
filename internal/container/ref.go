package container

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// ID is a container ID as reported by the runtime.
type ID string

func (id ID) Empty() bool    { return id == "" }
func (id ID) String() string { return string(id) }

// ShortStr is the 10-character prefix the docker CLI prints.
func (id ID) ShortStr() string {
	if len(id) > 10 {
		return string(id[:10])
	}
	return string(id)
}

func ParseNamed(s string) (reference.Named, error) {
	return reference.ParseNormalizedNamed(s)
}

func MustParseNamed(s string) reference.Named {
	n, err := ParseNamed(s)
	if err != nil {
		panic(fmt.Sprintf("MustParseNamed(%q): %v", s, err))
	}
	return n
}

// ImageRef joins and validates an image name and a tag.
// Both must be non-empty, and the image must not carry its own tag or digest.
func ImageRef(image, tag string) (reference.NamedTagged, error) {
	image = strings.TrimSpace(image)
	tag = strings.TrimSpace(tag)
	if image == "" {
		return nil, fmt.Errorf("image name is empty")
	}
	if tag == "" {
		return nil, fmt.Errorf("tag for image %q is empty", image)
	}

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return nil, fmt.Errorf("invalid image %q: %v", image, err)
	}
	if !reference.IsNameOnly(named) {
		return nil, fmt.Errorf("image %q already has a tag or digest; pass it separately", image)
	}

	tagged, err := reference.WithTag(named, tag)
	if err != nil {
		return nil, fmt.Errorf("invalid tag %q for image %q: %v", tag, image, err)
	}
	return tagged, nil
}

func FamiliarString(ref reference.Reference) string {
	return reference.FamiliarString(ref)
}
