package manifest

import "net/url"

// ReadingOrderExtension accepts Readium Web Publication manifests, which list
// the playable items under "readingOrder" instead of "spine".
type ReadingOrderExtension struct{}

func (ReadingOrderExtension) Name() string { return "readium-reading-order" }

func (ReadingOrderExtension) Recognizes(_ *url.URL, root Object) bool {
	return root.Has("readingOrder") && !root.Has("spine")
}

func (ReadingOrderExtension) Decode(source *url.URL, root Object) (*Manifest, error) {
	metadata, err := decodeMetadata(root)
	if err != nil {
		return nil, err
	}
	spine, err := decodeSpine(root, "readingOrder")
	if err != nil {
		return nil, err
	}
	links, err := decodeLinks(root)
	if err != nil {
		return nil, err
	}
	return &Manifest{Source: source, Metadata: metadata, Spine: spine, Links: links}, nil
}
