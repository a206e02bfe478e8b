package tagcache

import (
	"bufio"
	"io"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/track"
)

// FindPath returns the ref of the entry whose filename is path.
// The filename table is read once on first use.
func (x *Index) FindPath(path string) (track.Ref, error) {
	paths, err := x.loadPaths()
	if err != nil {
		return track.NoRef, err
	}
	ref, ok := paths[path]
	if !ok {
		return track.NoRef, errors.Wrapf(ErrIndexRefNotFound, "no entry for %s", path)
	}
	return ref, nil
}

func (x *Index) loadPaths() (map[string]track.Ref, error) {
	x.mu.Lock()
	loaded := x.paths
	x.mu.Unlock()
	if loaded != nil {
		return loaded, nil
	}

	tf, err := x.tagFile(TagFilename)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]track.Ref)
	r := bufio.NewReader(io.NewSectionReader(tf.f, TagFileHeaderSize, tf.size-TagFileHeaderSize))
	head := make([]byte, TagEntryHeaderSize)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Mark(errors.Wrap(err, "truncated filename entry"), ErrIndexCorrupt)
		}
		length := int32(x.order.Uint32(head[0:4]))
		idxID := int32(x.order.Uint32(head[4:8]))
		if length < 0 || length > maxStringLength {
			return nil, errors.Wrapf(ErrIndexCorrupt, "bad filename length %d", length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "truncated filename data"), ErrIndexCorrupt)
		}
		if idxID < 0 || int(idxID) >= x.count {
			continue
		}
		paths[cString(data)] = track.Ref(idxID)
	}

	zlog.Debug().Msgf("loaded filename table: entries=%d", len(paths))

	x.mu.Lock()
	x.paths = paths
	x.mu.Unlock()
	return paths, nil
}
